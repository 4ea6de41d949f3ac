package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

// Upload posts binary to the agent at baseURL (e.g. "http://10.0.0.2:10000")
// and waits for the flash to finish.
func Upload(ctx context.Context, client *http.Client, baseURL, node, binary string) (*FlashReply, error) {
	if client == nil {
		client = http.DefaultClient
	}
	f, err := os.Open(binary)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(binary))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	u := fmt.Sprintf("%s/update-binary?node=%s", baseURL, url.QueryEscape(node))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploading to %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	reply := &FlashReply{}
	if err := json.Unmarshal(body, reply); err != nil {
		return nil, fmt.Errorf("agent returned %s: %s", resp.Status, body)
	}
	if resp.StatusCode != http.StatusOK {
		msg := reply.Error
		if msg == "" {
			msg = resp.Status
		}
		return reply, fmt.Errorf("agent: %s", msg)
	}
	return reply, nil
}

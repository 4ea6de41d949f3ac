package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/LoveWonYoung/conuds/config"
	"github.com/LoveWonYoung/conuds/flash"
)

// MaxUploadSize caps the multipart body.
const MaxUploadSize = 512 << 20

// Flasher is one opened diagnostic session.
type Flasher interface {
	DownloadAppToTarget(ctx context.Context, path string, skip bool) flash.UpdateResult
	Teardown() error
}

// Opener opens a session for node, reporting transfer progress to progress.
type Opener func(node *config.Node, progress flash.Progress) (Flasher, error)

// FlashReply is the JSON body of /update-binary.
type FlashReply struct {
	Status     string `json:"status"`
	Node       string `json:"node"`
	Filename   string `json:"filename"`
	Bytes      int64  `json:"bytes"`
	SHA256     string `json:"sha256"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type errorReply struct {
	Error string `json:"error"`
}

// Server accepts firmware uploads over HTTP and flashes them over CAN.
type Server struct {
	Manifest *config.Manifest
	SaveDir  string
	Open     Opener
	Store    *BinaryStore
	Hub      *Hub

	// the CAN bus is exclusive
	flashMu sync.Mutex
}

func NewServer(m *config.Manifest, saveDir string, open Opener) (*Server, error) {
	if err := os.MkdirAll(saveDir, 0755); err != nil {
		return nil, fmt.Errorf("creating save dir: %w", err)
	}
	return &Server{
		Manifest: m,
		SaveDir:  saveDir,
		Open:     open,
		Store:    NewBinaryStore(saveDir),
		Hub:      NewHub(),
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/update-binary", s.handleUpdate)
	mux.Handle("/events", s.Hub)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	log.Printf("[server] %d: %s", code, msg)
	writeJSON(w, code, errorReply{Error: msg})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("node")
	if name == "" {
		writeError(w, http.StatusBadRequest, "Missing 'node' query parameter")
		return
	}
	node, err := s.Manifest.Node(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	saved, tmp, err := s.receive(r)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.Store.Record(name, saved); err != nil {
		os.Remove(tmp)
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := os.Rename(tmp, saved.Path); err != nil {
		os.Remove(tmp)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	reply := s.flash(r.Context(), node, saved)
	code := http.StatusOK
	if reply.Error != "" {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, reply)
}

// receive streams the "file" part into a temp file in the save directory.
// The returned entry carries the final path; the caller renames tmp once the
// store accepts it.
func (s *Server) receive(r *http.Request) (BinaryEntry, string, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return BinaryEntry{}, "", fmt.Errorf("expected multipart form: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return BinaryEntry{}, "", errors.New("Missing 'file' part in multipart form")
		}
		if err != nil {
			return BinaryEntry{}, "", err
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		defer part.Close()

		filename := SanitizeFilename(part.FileName())
		f, err := os.CreateTemp(s.SaveDir, ".upload-*")
		if err != nil {
			return BinaryEntry{}, "", fmt.Errorf("creating temp file: %w", err)
		}
		h := sha256.New()
		n, err := io.Copy(io.MultiWriter(f, h), part)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(f.Name())
			return BinaryEntry{}, "", fmt.Errorf("saving %s: %w", filename, err)
		}
		return BinaryEntry{
			Filename:  filename,
			Path:      filepath.Join(s.SaveDir, filename),
			Size:      n,
			Hash:      hex.EncodeToString(h.Sum(nil)),
			UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		}, f.Name(), nil
	}
}

func (s *Server) flash(ctx context.Context, node *config.Node, b BinaryEntry) FlashReply {
	s.flashMu.Lock()
	defer s.flashMu.Unlock()

	reply := FlashReply{
		Node:     node.Name,
		Filename: b.Filename,
		Bytes:    b.Size,
		SHA256:   b.Hash,
	}
	s.Hub.Broadcast(Event{Type: "start", Node: node.Name, Filename: b.Filename})
	log.Printf("[flash] %s <- %s (%d bytes, sha256 %s)", node.Name, b.Filename, b.Size, b.Hash)

	progress := func(sent, total int) {
		s.Hub.Broadcast(Event{Type: "progress", Node: node.Name, Sent: sent, Total: total})
	}
	start := time.Now()
	var st flash.FlashStatus
	sess, err := s.Open(node, progress)
	if err != nil {
		st = flash.Failed(err.Error())
	} else {
		res := sess.DownloadAppToTarget(ctx, b.Path, true)
		if terr := sess.Teardown(); terr != nil {
			log.Printf("[flash] %s teardown: %v", node.Name, terr)
		}
		st = res.Status
	}
	reply.DurationMS = time.Since(start).Milliseconds()
	reply.Status = st.Label()
	if !st.OK() {
		reply.Error = st.Reason
	}
	log.Printf("[flash] %s: %s (%d ms)", node.Name, st, reply.DurationMS)
	s.Hub.Broadcast(Event{Type: "result", Node: node.Name, Filename: b.Filename, Status: reply.Status, Error: reply.Error})
	return reply
}

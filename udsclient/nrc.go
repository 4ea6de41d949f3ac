package udsclient

import (
	"errors"
	"fmt"
)

// UDS 负响应码 (Negative Response Code)
const (
	NRCGeneralReject                          = 0x10
	NRCServiceNotSupported                    = 0x11 // 服务不支持
	NRCSubFunctionNotSupported                = 0x12
	NRCIncorrectMessageLength                 = 0x13 // 消息长度错误
	NRCResponseTooLong                        = 0x14
	NRCBusyRepeatRequest                      = 0x21 // 忙，请重复请求
	NRCConditionsNotCorrect                   = 0x22 // 条件不满足
	NRCRequestSequenceError                   = 0x24
	NRCNoResponseFromSubnetComponent          = 0x25
	NRCFailurePreventsExecution               = 0x26
	NRCRequestOutOfRange                      = 0x31
	NRCSecurityAccessDenied                   = 0x33 // 安全访问被拒绝
	NRCInvalidKey                             = 0x35
	NRCExceedNumberOfAttempts                 = 0x36
	NRCRequiredTimeDelayNotExpired            = 0x37
	NRCUploadDownloadNotAccepted              = 0x70
	NRCTransferDataSuspended                  = 0x71
	NRCGeneralProgrammingFailure              = 0x72
	NRCWrongBlockSequenceCounter              = 0x73 // 块序号计数器错误
	NRCResponsePending                        = 0x78 // 响应挂起，ECU 仍在处理
	NRCSubFunctionNotSupportedInActiveSession = 0x7E
	NRCServiceNotSupportedInActiveSession     = 0x7F
)

// Classified negative responses. A *UDSError matches these with errors.Is.
var (
	ErrBusy                 = errors.New("ECU busy, still processing the request")
	ErrRepeatRequest        = errors.New("ECU requests the request be repeated")
	ErrConditionsNotCorrect = errors.New("conditions not correct")
	ErrServiceNotSupported  = errors.New("service not supported")
)

var nrcDescriptions = map[byte]string{
	NRCGeneralReject:                          "general reject",
	NRCServiceNotSupported:                    "service not supported",
	NRCSubFunctionNotSupported:                "sub-function not supported",
	NRCIncorrectMessageLength:                 "incorrect message length or invalid format",
	NRCResponseTooLong:                        "response too long",
	NRCBusyRepeatRequest:                      "busy, repeat request",
	NRCConditionsNotCorrect:                   "conditions not correct",
	NRCRequestSequenceError:                   "request sequence error",
	NRCNoResponseFromSubnetComponent:          "no response from subnet component",
	NRCFailurePreventsExecution:               "failure prevents execution of requested action",
	NRCRequestOutOfRange:                      "request out of range",
	NRCSecurityAccessDenied:                   "security access denied",
	NRCInvalidKey:                             "invalid key",
	NRCExceedNumberOfAttempts:                 "exceeded number of attempts",
	NRCRequiredTimeDelayNotExpired:            "required time delay not expired",
	NRCUploadDownloadNotAccepted:              "upload/download not accepted",
	NRCTransferDataSuspended:                  "transfer data suspended",
	NRCGeneralProgrammingFailure:              "general programming failure",
	NRCWrongBlockSequenceCounter:              "wrong block sequence counter",
	NRCResponsePending:                        "request correctly received, response pending",
	NRCSubFunctionNotSupportedInActiveSession: "sub-function not supported in active session",
	NRCServiceNotSupportedInActiveSession:     "service not supported in active session",
}

// DescribeNRC returns the standard name of nrc.
func DescribeNRC(nrc byte) string {
	if desc, ok := nrcDescriptions[nrc]; ok {
		return desc
	}
	return fmt.Sprintf("unknown NRC 0x%02X", nrc)
}

// UDSError 表示 UDS 负响应错误
type UDSError struct {
	ServiceID byte // 原始服务 ID
	NRC       byte
	Message   string
}

func newUDSError(sid, nrc byte) *UDSError {
	return &UDSError{ServiceID: sid, NRC: nrc, Message: DescribeNRC(nrc)}
}

func (e *UDSError) Error() string {
	return fmt.Sprintf("negative response: SID=0x%02X, NRC=0x%02X (%s)", e.ServiceID, e.NRC, e.Message)
}

// Is lets callers classify negative responses with errors.Is.
func (e *UDSError) Is(target error) bool {
	switch target {
	case ErrBusy:
		return e.NRC == NRCResponsePending
	case ErrRepeatRequest:
		return e.NRC == NRCBusyRepeatRequest
	case ErrConditionsNotCorrect:
		return e.NRC == NRCConditionsNotCorrect
	case ErrServiceNotSupported:
		return e.NRC == NRCServiceNotSupported
	}
	return false
}

// IsRetryable 判断该错误是否可以重试
func (e *UDSError) IsRetryable() bool {
	switch e.NRC {
	case NRCBusyRepeatRequest, NRCResponsePending:
		return true
	default:
		return false
	}
}

// ProtocolError is a reply that is neither a well formed positive response
// nor a well formed negative response.
type ProtocolError struct {
	ServiceID byte
	Reason    string
	Data      []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation for SID 0x%02X: %s (% 02X)", e.ServiceID, e.Reason, e.Data)
}

// CheckResponse classifies resp as the reply to a request with service sid.
func CheckResponse(sid byte, resp []byte) error {
	if len(resp) == 0 {
		return &ProtocolError{ServiceID: sid, Reason: "empty reply"}
	}
	if resp[0] == negativeResponseSID {
		if len(resp) < 3 {
			return &ProtocolError{ServiceID: sid, Reason: "malformed negative response", Data: resp}
		}
		return newUDSError(resp[1], resp[2])
	}
	if resp[0] != sid+positiveResponseOffset {
		return &ProtocolError{
			ServiceID: sid,
			Reason:    fmt.Sprintf("unexpected response SID 0x%02X", resp[0]),
			Data:      resp,
		}
	}
	return nil
}

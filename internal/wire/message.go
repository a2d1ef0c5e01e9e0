package wire

import (
	"fmt"
	"time"
)

// MessageType tags the payload carried by a Message.
type MessageType string

const (
	TypeHello       MessageType = "hello"
	TypeScanRequest MessageType = "scanRequest"
	TypeScanResult  MessageType = "scanResult"
	TypeStatus      MessageType = "status"
	TypeError       MessageType = "error"
)

// ScanRequest asks the remote peer to execute one scan.
type ScanRequest struct {
	PresetName          string `json:"presetName,omitempty"`
	SearchablePDF       bool   `json:"searchablePDF"`
	ForceSingleDocument bool   `json:"forceSingleDocument"`
	PairingToken        string `json:"pairingToken,omitempty"`
}

// Document is one encoded output document of a remote scan.
type Document struct {
	Filename      string `json:"filename"`
	PDFDataBase64 string `json:"pdfDataBase64"`
	PageCount     int    `json:"pageCount"`
	ByteCount     int    `json:"byteCount"`
}

// ScanResult is the terminal success payload of a remote scan.
// A single scan may fan out into multiple documents.
type ScanResult struct {
	Documents  []Document `json:"documents"`
	TotalBytes int        `json:"totalBytes"`
	ScannedAt  time.Time  `json:"scannedAt"`
}

// Status carries an informational progress message.
type Status struct {
	Message string `json:"message"`
}

// Error is the terminal failure payload of a remote scan.
type Error struct {
	Message string `json:"message"`
}

// Message is one frame of the relay protocol. Exactly one payload
// field is set, matching Type; hello carries no payload.
type Message struct {
	Type        MessageType  `json:"type"`
	ScanRequest *ScanRequest `json:"scanRequest,omitempty"`
	ScanResult  *ScanResult  `json:"scanResult,omitempty"`
	Status      *Status      `json:"status,omitempty"`
	Error       *Error       `json:"error,omitempty"`
}

// Hello builds the handshake frame each side sends after connect.
func Hello() Message {
	return Message{Type: TypeHello}
}

// NewScanRequest wraps a ScanRequest payload in a Message.
func NewScanRequest(req ScanRequest) Message {
	return Message{Type: TypeScanRequest, ScanRequest: &req}
}

// NewScanResult wraps a ScanResult payload in a Message.
func NewScanResult(res ScanResult) Message {
	return Message{Type: TypeScanResult, ScanResult: &res}
}

// NewStatus builds an informational status frame.
func NewStatus(msg string) Message {
	return Message{Type: TypeStatus, Status: &Status{Message: msg}}
}

// NewError builds a terminal error frame.
func NewError(msg string) Message {
	return Message{Type: TypeError, Error: &Error{Message: msg}}
}

// Validate checks that exactly the payload matching Type is present.
func (m Message) Validate() error {
	var want, got int
	switch m.Type {
	case TypeHello:
	case TypeScanRequest:
		want = 1
		if m.ScanRequest != nil {
			got = 1
		}
	case TypeScanResult:
		want = 1
		if m.ScanResult != nil {
			got = 1
		}
	case TypeStatus:
		want = 1
		if m.Status != nil {
			got = 1
		}
	case TypeError:
		want = 1
		if m.Error != nil {
			got = 1
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if got != want {
		return fmt.Errorf("message %q payload missing", m.Type)
	}

	extra := 0
	if m.ScanRequest != nil {
		extra++
	}
	if m.ScanResult != nil {
		extra++
	}
	if m.Status != nil {
		extra++
	}
	if m.Error != nil {
		extra++
	}
	if extra > want {
		return fmt.Errorf("message %q carries %d payloads", m.Type, extra)
	}
	return nil
}

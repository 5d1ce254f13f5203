package control

import (
	"testing"

	"github.com/infodancer/smtpd/internal/metrics"
)

func TestHandleValidRequests(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.TotalConnections.Store(42)
	reg.CurrentConnections.Store(3)
	reg.BytesTransferred.Store(1024)

	codec := &Codec{Registry: reg}

	tests := []struct {
		name       string
		cmd        Command
		wantStatus Status
		wantQty    uint64
		wantBool   bool
	}{
		{"historical", CmdHistoricalConnections, StatusOK, 42, false},
		{"current", CmdCurrentConnections, StatusOK, 3, false},
		{"bytes", CmdBytesTransferred, StatusOK, 1024, false},
		{"read transform default", CmdReadTransform, StatusOK, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := EncodeRequest(0x1234, tt.cmd)
			resp, ok := DecodeResponse(codec.Handle(req))
			if !ok {
				t.Fatalf("response had unexpected length")
			}
			if resp.Identifier != 0x1234 {
				t.Errorf("identifier not echoed: got %#x", resp.Identifier)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %v, want %v", resp.Status, tt.wantStatus)
			}
			if resp.Quantity != tt.wantQty {
				t.Errorf("quantity = %d, want %d", resp.Quantity, tt.wantQty)
			}
			if resp.Boolean != tt.wantBool {
				t.Errorf("boolean = %v, want %v", resp.Boolean, tt.wantBool)
			}
		})
	}
}

func TestHandleTogglesPersist(t *testing.T) {
	reg := metrics.NewRegistry()
	codec := &Codec{Registry: reg}

	resp, _ := DecodeResponse(codec.Handle(EncodeRequest(1, CmdSetTransformOn)))
	if resp.Status != StatusOK || !resp.Boolean {
		t.Fatalf("set-on: got %+v", resp)
	}

	resp, _ = DecodeResponse(codec.Handle(EncodeRequest(2, CmdReadTransform)))
	if resp.Status != StatusOK || !resp.Boolean {
		t.Fatalf("read after set-on: got %+v", resp)
	}

	resp, _ = DecodeResponse(codec.Handle(EncodeRequest(3, CmdSetTransformOff)))
	if resp.Status != StatusOK || resp.Boolean {
		t.Fatalf("set-off: got %+v", resp)
	}

	resp, _ = DecodeResponse(codec.Handle(EncodeRequest(4, CmdReadTransform)))
	if resp.Status != StatusOK || resp.Boolean {
		t.Fatalf("read after set-off: got %+v", resp)
	}
}

func TestHandleInvalidLength(t *testing.T) {
	reg := metrics.NewRegistry()
	codec := &Codec{Registry: reg}

	resp, ok := DecodeResponse(codec.Handle([]byte{0x01, 0x02, 0x03}))
	if !ok {
		t.Fatalf("response had unexpected length")
	}
	if resp.Status != StatusInvalidLength || resp.Quantity != 0 || resp.Boolean {
		t.Errorf("got %+v, want invalid-length/0/false", resp)
	}
}

func TestHandleBadSignature(t *testing.T) {
	reg := metrics.NewRegistry()
	codec := &Codec{Registry: reg}

	req := EncodeRequest(7, CmdCurrentConnections)
	req[0], req[1] = 0xFF, 0xFD

	resp, ok := DecodeResponse(codec.Handle(req))
	if !ok {
		t.Fatalf("response had unexpected length")
	}
	if resp.Identifier != 7 {
		t.Errorf("identifier should still echo on bad signature: got %d", resp.Identifier)
	}
	if resp.Status != StatusUnexpectedError || resp.Quantity != 0 || resp.Boolean {
		t.Errorf("got %+v, want unexpected-error/0/false", resp)
	}
}

func TestHandleBadVersion(t *testing.T) {
	reg := metrics.NewRegistry()
	codec := &Codec{Registry: reg}

	req := EncodeRequest(9, CmdCurrentConnections)
	req[2] = 0x09

	resp, _ := DecodeResponse(codec.Handle(req))
	if resp.Status != StatusInvalidVersion || resp.Quantity != 0 || resp.Boolean {
		t.Errorf("got %+v, want invalid-version/0/false", resp)
	}
}

func TestHandleBadAuth(t *testing.T) {
	reg := metrics.NewRegistry()
	codec := &Codec{Registry: reg}

	req := EncodeRequest(11, CmdCurrentConnections)
	req[5] = 0xFF

	resp, _ := DecodeResponse(codec.Handle(req))
	if resp.Status != StatusAuthFailed || resp.Quantity != 0 || resp.Boolean {
		t.Errorf("got %+v, want auth-failed/0/false", resp)
	}
}

func TestHandleBadCommand(t *testing.T) {
	reg := metrics.NewRegistry()
	codec := &Codec{Registry: reg}

	req := EncodeRequest(13, Command(0xEE))
	resp, _ := DecodeResponse(codec.Handle(req))
	if resp.Status != StatusInvalidCommand || resp.Quantity != 0 || resp.Boolean {
		t.Errorf("got %+v, want invalid-command/0/false", resp)
	}
}

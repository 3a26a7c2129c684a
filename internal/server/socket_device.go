package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sleepy-project/sleepy/internal/auth"
	hostErrors "github.com/sleepy-project/sleepy/internal/errors"
	"github.com/sleepy-project/sleepy/internal/status"
)

// cborDec decodes nested maps with string keys so fields survive the
// round trip through JSON storage.
var cborDec, _ = cbor.DecOptions{
	DefaultMapType: reflect.TypeOf(map[string]any(nil)),
}.DecMode()

// deviceFrame is one decoded status report. Values are kept raw so the
// ack can echo exactly what the device sent.
type deviceFrame struct {
	Status any
	Using  any
	Fields map[string]any
}

type deviceAck struct {
	OK     bool           `json:"ok" cbor:"ok"`
	ID     string         `json:"id" cbor:"id"`
	Status any            `json:"status" cbor:"status"`
	Using  any            `json:"using" cbor:"using"`
	Fields map[string]any `json:"fields" cbor:"fields"`
}

type deviceNack struct {
	OK    bool   `json:"ok" cbor:"ok"`
	Error string `json:"error" cbor:"error"`
}

// decodeDeviceFrame parses a text frame as JSON or a binary frame as CBOR.
func decodeDeviceFrame(kind int, data []byte) (*deviceFrame, error) {
	raw := map[string]any{}
	switch kind {
	case websocket.TextMessage:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
	case websocket.BinaryMessage:
		if err := cborDec.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported frame type %d", kind)
	}

	f := &deviceFrame{Status: raw["status"], Using: raw["using"], Fields: map[string]any{}}
	if v, ok := raw["fields"]; ok && v != nil {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("fields must be an object")
		}
		f.Fields = m
	}
	return f, nil
}

// report converts the frame to the stored form: status is stringified when
// present, using is true only for true, "1" or the integer 1.
func (f *deviceFrame) report() status.DeviceReport {
	rep := status.DeviceReport{Using: truthy(f.Using), Fields: f.Fields}
	if f.Status != nil {
		s := stringify(f.Status)
		rep.Status = &s
	}
	return rep
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x == "1"
	case json.Number:
		return x.String() == "1"
	case uint64:
		return x == 1
	case int64:
		return x == 1
	default:
		return false
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "True"
		}
		return "False"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// encodeFor marshals v in the encoding of an inbound frame kind.
func encodeFor(kind int, v any) (outFrame, error) {
	if kind == websocket.BinaryMessage {
		data, err := cbor.Marshal(v)
		return outFrame{kind: websocket.BinaryMessage, data: data}, err
	}
	data, err := json.Marshal(v)
	return outFrame{kind: websocket.TextMessage, data: data}, err
}

// deviceToken reads the token from the query string or the token header;
// browsers cannot set headers on WebSocket requests.
func deviceToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return r.Header.Get(auth.HeaderToken)
}

// handleDeviceSocket lets a device push status frames. The device's own
// token or an admin token is required. Each frame is stored (creating the
// device on first contact) and acknowledged in the frame's encoding.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	logger := s.logger.With(zap.String("device", id), zap.String("remote", r.RemoteAddr))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	token := deviceToken(r)
	if token == "" {
		logger.Warn("device socket rejected: missing token")
		closeNow(conn, websocket.ClosePolicyViolation, "Missing token")
		return
	}
	rec, err := s.auth.Authorize(r.Context(), token, auth.Policy{Kinds: auth.AllKinds, Device: id})
	if err != nil {
		if hostErrors.IsCode(err, hostErrors.CodeInternal) {
			logger.Error("device socket auth failed", zap.Error(err))
			closeNow(conn, websocket.CloseInternalServerErr, "Internal error")
			return
		}
		logger.Warn("device socket rejected", zap.String("reason", hostErrors.GetMessage(err)))
		closeNow(conn, websocket.ClosePolicyViolation, hostErrors.GetMessage(err))
		return
	}

	c := s.newClient(conn, id, logger)
	if !s.register(c) {
		closeNow(conn, websocket.CloseGoingAway, "Server shutting down")
		return
	}
	go c.writePump()
	logger.Info("device socket connected", zap.String("kind", string(rec.Type.Kind)))

	limiter := rate.NewLimiter(deviceFrameRate, deviceFrameBurst)
	ctx := r.Context()

	c.readPump(func(kind int, data []byte) bool {
		reply := func(v any) {
			f, err := encodeFor(kind, v)
			if err != nil {
				logger.Error("failed to encode reply", zap.Error(err))
				return
			}
			c.enqueue(f)
		}

		if !limiter.Allow() {
			reply(deviceNack{Error: "rate limited"})
			return true
		}

		frame, err := decodeDeviceFrame(kind, data)
		if err != nil {
			logger.Debug("invalid device frame", zap.Error(err))
			reply(deviceNack{Error: "invalid frame"})
			return true
		}

		if _, _, err := s.status.ReportDevice(ctx, id, frame.report()); err != nil {
			logger.Error("device report failed", zap.Error(err))
			c.closeWith(websocket.CloseInternalServerErr, "Internal error")
			return false
		}

		reply(deviceAck{OK: true, ID: id, Status: frame.Status, Using: frame.Using, Fields: frame.Fields})
		return true
	})
	logger.Info("device socket disconnected")
}

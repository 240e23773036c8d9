package mobile

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yllada/nebula-manager/common"
)

// Method names accepted by Invoke.
const (
	ConnectMethod          = "connect"
	DisconnectMethod       = "disconnect"
	TestConfigMethod       = "testConfig"
	CheckStatusMethod      = "checkStatus"
	GetHostmapMethod       = "getHostmap"
	RebindNebulaMethod     = "rebindNebula"
	PingHostMethod         = "pingHost"
	PermissionResultMethod = "onPermissionResult"
	StartPollingMethod     = "startPolling"
	StopPollingMethod      = "stopPolling"
	GetStateMethod         = "getState"
	GetStatusMethod        = "getStatus"
	GetHistoryMethod       = "getHistory"
)

// Response codes.
const (
	CodeOK    = 0
	CodeError = -1
)

type action struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data"`
}

type response struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Data   any    `json:"data"`
	Code   int    `json:"code"`
}

// failure is the data of a response with CodeError.
type failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type sessionParams struct {
	Config     string `json:"config"`
	PrivateKey string `json:"private_key"`
}

type permissionParams struct {
	ID      string `json:"id"`
	Granted bool   `json:"granted"`
}

// Invoke runs the action encoded in actionJSON and returns the encoded
// response. It never fails: malformed input yields a CodeError response.
func (b *Bridge) Invoke(actionJSON string) string {
	var a action
	if err := json.Unmarshal([]byte(actionJSON), &a); err != nil {
		return encodeResponse(response{Code: CodeError, Data: failureOf(invalidParams("action", err))})
	}
	return encodeResponse(b.dispatch(a))
}

func (b *Bridge) dispatch(a action) response {
	r := response{ID: a.ID, Method: a.Method}

	fail := func(err error) response {
		r.Code = CodeError
		r.Data = failureOf(err)
		return r
	}
	success := func(data any) response {
		r.Code = CodeOK
		r.Data = data
		return r
	}
	result := func(data any, err error) response {
		if err != nil {
			return fail(err)
		}
		return success(data)
	}

	switch a.Method {
	case ConnectMethod:
		var p sessionParams
		if err := decodeJSON(a.Data, &p); err != nil {
			return fail(invalidParams(a.Method, err))
		}
		return result(b.Connect(p.Config, p.PrivateKey))
	case DisconnectMethod:
		return result(b.Disconnect())
	case TestConfigMethod:
		var p sessionParams
		if err := decodeJSON(a.Data, &p); err != nil {
			return fail(invalidParams(a.Method, err))
		}
		return result(b.TestConfig(p.Config, p.PrivateKey))
	case CheckStatusMethod:
		return success(b.CheckStatus())
	case GetHostmapMethod:
		return result(b.manager.GetHostmap())
	case RebindNebulaMethod:
		var reason string
		if len(a.Data) > 0 {
			if err := json.Unmarshal(a.Data, &reason); err != nil {
				return fail(invalidParams(a.Method, err))
			}
		}
		return result(b.RebindNebula(reason))
	case PingHostMethod:
		var host string
		if err := decodeJSON(a.Data, &host); err != nil {
			return fail(invalidParams(a.Method, err))
		}
		return result(b.PingHost(host))
	case PermissionResultMethod:
		var p permissionParams
		if err := decodeJSON(a.Data, &p); err != nil {
			return fail(invalidParams(a.Method, err))
		}
		b.OnPermissionResult(p.ID, p.Granted)
		return success(true)
	case StartPollingMethod:
		b.StartPolling()
		return success(true)
	case StopPollingMethod:
		b.StopPolling()
		return success(true)
	case GetStateMethod:
		return success(b.State())
	case GetStatusMethod:
		return success(b.status())
	case GetHistoryMethod:
		var limit int
		if len(a.Data) > 0 && string(a.Data) != "null" {
			if err := json.Unmarshal(a.Data, &limit); err != nil {
				return fail(invalidParams(a.Method, err))
			}
		}
		return result(b.recentHistory(limit))
	default:
		return fail(errUnknownMethod)
	}
}

var (
	errMissingData   = errors.New("missing data")
	errUnknownMethod = errors.New("unknown method")
)

func decodeJSON(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errMissingData
	}
	return json.Unmarshal(raw, dst)
}

func invalidParams(method string, err error) error {
	return fmt.Errorf("%w: %s: %v", common.ErrInvalidArgument, method, err)
}

func failureOf(err error) failure {
	if errors.Is(err, errUnknownMethod) {
		return failure{Kind: common.ErrorKind(common.ErrInvalidArgument), Message: err.Error()}
	}
	return failure{Kind: common.ErrorKind(err), Message: err.Error()}
}

// encodeResponse keeps the response shape stable even when the data does
// not marshal.
func encodeResponse(r response) string {
	data, err := json.Marshal(r)
	if err == nil {
		return string(data)
	}
	fallback, _ := json.Marshal(response{
		ID:     r.ID,
		Method: r.Method,
		Data:   failure{Kind: "Internal", Message: err.Error()},
		Code:   CodeError,
	})
	return string(fallback)
}

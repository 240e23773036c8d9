package permission

import (
	"context"

	"github.com/yllada/nebula-manager/common"
)

// Static answers every request immediately. It is used when the process
// already holds the privileges a tunnel needs.
type Static struct {
	Granted bool
}

// NewStatic returns a gate that always grants.
func NewStatic() *Static {
	return &Static{Granted: true}
}

// Request implements common.PermissionGate.
func (s *Static) Request(ctx context.Context) (common.PermissionDecision, error) {
	if err := ctx.Err(); err != nil {
		return common.PermissionDecision{}, err
	}
	return common.PermissionDecision{Granted: s.Granted}, nil
}

// SetResultHandler implements common.PermissionGate. Static never defers.
func (s *Static) SetResultHandler(func(requestID string, granted bool)) {}

// Cancel implements common.PermissionGate.
func (s *Static) Cancel(string) {}

// New builds the gate selected by mode ("polkit" or "none").
func New(mode, actionID string) (common.PermissionGate, error) {
	switch mode {
	case common.PermissionNone:
		return NewStatic(), nil
	case common.PermissionPolkit, "":
		auth, err := NewBusAuthority()
		if err != nil {
			return nil, err
		}
		return NewPolkit(auth, actionID), nil
	default:
		return nil, common.WrapError(common.ErrInvalidConfig, "unknown permission mode "+mode)
	}
}

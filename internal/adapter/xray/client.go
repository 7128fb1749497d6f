// Package xray applies member mutations to an Xray inbound through the
// HandlerService gRPC API and supervises the API session.
package xray

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"proxysync/internal/member"
	"proxysync/internal/reconcile"

	"github.com/xtls/xray-core/app/proxyman/command"
	"github.com/xtls/xray-core/common/serial"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ConnSource hands out the connection calls ride on.
// Production: *Supervisor
// Testing: a fixed bufconn connection
type ConnSource interface {
	Conn() (grpc.ClientConnInterface, error)
}

// Target describes one inbound the client mutates.
type Target struct {
	Tag      string
	Protocol Protocol
	// Defaults are account params applied to every member of this inbound.
	Defaults map[string]string
}

// Client implements reconcile.MutationClient for a single inbound tag.
type Client struct {
	conns  ConnSource
	target Target
}

var (
	_ reconcile.MutationClient  = (*Client)(nil)
	_ reconcile.MemberValidator = (*Client)(nil)
)

// NewClient binds a client to target.
func NewClient(conns ConnSource, target Target) (*Client, error) {
	target.Tag = strings.TrimSpace(target.Tag)
	if target.Tag == "" {
		return nil, fmt.Errorf("inbound tag is required")
	}
	p, err := ParseProtocol(string(target.Protocol))
	if err != nil {
		return nil, err
	}
	target.Protocol = p
	target.Defaults = maps.Clone(target.Defaults)
	return &Client{conns: conns, target: target}, nil
}

// Tag returns the inbound tag the client targets.
func (c *Client) Tag() string { return c.target.Tag }

// ValidateMember reports whether m can be turned into a user for this
// inbound without contacting Xray.
func (c *Client) ValidateMember(m member.Member) error {
	_, err := buildUser(c.target.Protocol, c.target.Defaults, m)
	return err
}

// AddMember adds m to the inbound. A user that already exists counts as
// success.
func (c *Client) AddMember(ctx context.Context, m member.Member) error {
	user, err := buildUser(c.target.Protocol, c.target.Defaults, m)
	if err != nil {
		return err
	}
	err = c.alter(ctx, serial.ToTypedMessage(&command.AddUserOperation{User: user}))
	if err != nil && isAlreadyExists(err, m.Identity) {
		slog.Debug("xray user already present", "component", "xray", "tag", c.target.Tag, "identity", m.Identity)
		return nil
	}
	if err != nil {
		return fmt.Errorf("xray add user %s: %w", m.Identity, err)
	}
	return nil
}

// RemoveMember removes identity from the inbound. A user that does not exist
// counts as success.
func (c *Client) RemoveMember(ctx context.Context, identity string) error {
	err := c.alter(ctx, serial.ToTypedMessage(&command.RemoveUserOperation{Email: identity}))
	if err != nil && isNotFound(err, identity) {
		slog.Debug("xray user already absent", "component", "xray", "tag", c.target.Tag, "identity", identity)
		return nil
	}
	if err != nil {
		return fmt.Errorf("xray remove user %s: %w", identity, err)
	}
	return nil
}

func (c *Client) alter(ctx context.Context, op *serial.TypedMessage) error {
	conn, err := c.conns.Conn()
	if err != nil {
		return err
	}
	_, err = command.NewHandlerServiceClient(conn).AlterInbound(ctx, &command.AlterInboundRequest{
		Tag:       c.target.Tag,
		Operation: op,
	})
	return classify(err)
}

// classify wraps gRPC failures in the reconcile taxonomy. The raw status
// error stays in the chain so callers can still inspect it.
func classify(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %w", reconcile.ErrUnavailable, err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%w: %w", reconcile.ErrUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", reconcile.ErrRejected, err)
	}
}

// Xray reports duplicate and missing users as plain errors, so the only
// signal is the message text ("User x already exists.", "User x not found.").
// The identity is part of the match: "handler not found" for a wrong tag
// must stay a rejection.
func isAlreadyExists(err error, identity string) bool {
	return rejectedWith(err, "user "+identity+" already exists")
}

func isNotFound(err error, identity string) bool {
	return rejectedWith(err, "user "+identity+" not found")
}

func rejectedWith(err error, phrase string) bool {
	if !errors.Is(err, reconcile.ErrRejected) {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), strings.ToLower(phrase))
}

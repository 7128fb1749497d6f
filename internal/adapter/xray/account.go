package xray

import (
	"fmt"
	"maps"
	"strings"

	"proxysync/internal/member"
	"proxysync/internal/reconcile"

	"github.com/xtls/xray-core/common/protocol"
	"github.com/xtls/xray-core/common/serial"
	"github.com/xtls/xray-core/proxy/trojan"
	"github.com/xtls/xray-core/proxy/vless"
	"github.com/xtls/xray-core/proxy/vmess"
)

// Protocol selects the account type of an inbound.
type Protocol string

const (
	ProtocolVLESS  Protocol = "vless"
	ProtocolVMess  Protocol = "vmess"
	ProtocolTrojan Protocol = "trojan"
)

// Account parameter keys understood per protocol.
const (
	ParamFlow       = "flow"       // vless
	ParamEncryption = "encryption" // vless
	ParamSecurity   = "security"   // vmess
	ParamPassword   = "password"   // trojan; defaults to the identity
)

// ParseProtocol normalizes a protocol name. Empty means vless.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ProtocolVLESS, nil
	case ProtocolVLESS, ProtocolVMess, ProtocolTrojan:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported protocol %q", s)
	}
}

// buildUser encodes m as an Xray user. The identity doubles as the user
// email, which is the key RemoveUserOperation matches on. Member params
// override the inbound defaults.
func buildUser(p Protocol, defaults map[string]string, m member.Member) (*protocol.User, error) {
	params := maps.Clone(defaults)
	if params == nil {
		params = make(map[string]string, len(m.Params))
	}
	maps.Copy(params, m.Params)

	if m.Tier < 0 {
		return nil, fmt.Errorf("member %s: negative tier %d: %w", m.Identity, m.Tier, reconcile.ErrRejected)
	}

	var account *serial.TypedMessage
	switch p {
	case ProtocolVLESS:
		enc := params[ParamEncryption]
		if enc == "" {
			enc = "none"
		}
		account = serial.ToTypedMessage(&vless.Account{
			Id:         m.Identity,
			Flow:       params[ParamFlow],
			Encryption: enc,
		})
	case ProtocolVMess:
		acct := &vmess.Account{Id: m.Identity}
		if sec := strings.TrimSpace(params[ParamSecurity]); sec != "" {
			v, ok := protocol.SecurityType_value[strings.ToUpper(sec)]
			if !ok {
				return nil, fmt.Errorf("member %s: unknown vmess security %q: %w", m.Identity, sec, reconcile.ErrRejected)
			}
			acct.SecuritySettings = &protocol.SecurityConfig{Type: protocol.SecurityType(v)}
		}
		account = serial.ToTypedMessage(acct)
	case ProtocolTrojan:
		password := params[ParamPassword]
		if password == "" {
			password = m.Identity
		}
		account = serial.ToTypedMessage(&trojan.Account{Password: password})
	default:
		return nil, fmt.Errorf("unsupported protocol %q: %w", p, reconcile.ErrRejected)
	}

	return &protocol.User{
		Level:   uint32(m.Tier),
		Email:   m.Identity,
		Account: account,
	}, nil
}

package proxy

import (
	"net"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/crypto"
	"github.com/cuemby/vpnforge/pkg/types"
)

const tagUsers = "users"

func userByUsernameTag(username string) string { return "user:byname:" + username }

// authenticate looks up username through the shared Cache (falling back to
// the Store on miss, the same GetOrFetch pattern pkg/usermanager.Get uses),
// verifies password against the stored Argon2id proxy credential, and
// checks the caller's address against the user's AllowedCIDRs if any are
// configured. Returns apperr.KindAuthFailed on any rejection so callers
// cannot distinguish "no such user" from "wrong password" (spec.md §7's
// "human messages... never leak secrets" extends to not leaking account
// existence).
func (d *DataPlane) authenticate(username, password string, remote net.Addr) (*types.User, error) {
	v, err := d.cache.GetOrFetch(userByUsernameTag(username), defaultAuthCacheTTL, []string{tagUsers, userByUsernameTag(username)}, func() (any, error) {
		return d.store.GetUserByUsername(username)
	})
	if err != nil {
		return nil, apperr.New(apperr.KindAuthFailed, "ProxyDataPlane", "authentication failed")
	}
	user := v.(*types.User)

	if user.Status != types.UserStatusActive {
		return nil, apperr.New(apperr.KindAuthFailed, "ProxyDataPlane", "authentication failed")
	}
	binding := user.ProtocolBinding.Proxy
	if binding == nil {
		return nil, apperr.New(apperr.KindAuthFailed, "ProxyDataPlane", "authentication failed")
	}
	ok, err := crypto.VerifyProxyPassword(password, binding.PasswordHash)
	if err != nil || !ok {
		return nil, apperr.New(apperr.KindAuthFailed, "ProxyDataPlane", "authentication failed")
	}
	if len(binding.AllowedCIDRs) > 0 && !addrAllowed(remote, binding.AllowedCIDRs) {
		return nil, apperr.New(apperr.KindAuthFailed, "ProxyDataPlane", "authentication failed")
	}
	if d.quota != nil {
		exceeded, err := d.quota.QuotaExceeded(user.ID)
		if err == nil && exceeded {
			return nil, apperr.New(apperr.KindAuthFailed, "ProxyDataPlane", "authentication failed")
		}
	}
	return user, nil
}

func addrAllowed(remote net.Addr, cidrs []string) bool {
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		host = remote.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

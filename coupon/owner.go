package coupon

import (
	"net"
	"net/http"
	"strings"
)

// OwnerFunc extrai o dono autenticado da requisição. "" significa anônimo.
type OwnerFunc func(r *http.Request) string

// KeyFunc extrai a chave de throttling da requisição.
type KeyFunc func(r *http.Request) string

func HeaderOwner(header string) OwnerFunc {
	if header == "" {
		header = DefaultOwnerHeader
	}
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(header))
	}
}

// DefaultKeyFunc usa o dono quando presente; senão cai para o IP do cliente.
func DefaultKeyFunc(ownerHeader string, trustXFF bool) KeyFunc {
	owner := HeaderOwner(ownerHeader)
	return func(r *http.Request) string {
		if v := owner(r); v != "" {
			return "owner:" + v
		}

		if trustXFF {
			// pega o primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				parts := strings.Split(xff, ",")
				if ip := strings.TrimSpace(parts[0]); ip != "" {
					return "ip:" + ip
				}
			}
		}

		// fallback: RemoteAddr
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return "ip:" + host
		}
		if r.RemoteAddr != "" {
			return "ip:" + r.RemoteAddr
		}
		return "unknown"
	}
}

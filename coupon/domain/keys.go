package domain

import (
	"strconv"
	"strings"
)

// KeySpace mapeia cada escopo e cada marcador de uso para uma chave do store.
//
// Layout padrão:
//
//	global_counter
//	owner_counter:{ownerID}
//	owner_issued:{ownerID}
//	used:{sequenceNumber}
type KeySpace struct {
	Namespace    string
	GlobalKey    string
	OwnerPrefix  string
	IssuedPrefix string
	UsedPrefix   string
}

func DefaultKeySpace() KeySpace {
	return KeySpace{
		GlobalKey:    "global_counter",
		OwnerPrefix:  "owner_counter:",
		IssuedPrefix: "owner_issued:",
		UsedPrefix:   "used:",
	}
}

func (k KeySpace) prefixed(s string) string {
	ns := strings.Trim(k.Namespace, ":")
	if ns == "" {
		return s
	}
	return ns + ":" + s
}

func (k KeySpace) Global() string { return k.prefixed(k.GlobalKey) }

func (k KeySpace) Owner(ownerID string) string { return k.prefixed(k.OwnerPrefix + ownerID) }

func (k KeySpace) Used(sequence int64) string {
	return k.prefixed(k.UsedPrefix + strconv.FormatInt(sequence, 10))
}

// Issued é o contador de tokens de fato emitidos ao dono. Só avança junto com
// o contador global, no mesmo commit.
func (k KeySpace) Issued(ownerID string) string { return k.prefixed(k.IssuedPrefix + ownerID) }

// Slots agrupa as duas chaves de vagas de um dono.
func (k KeySpace) Slots(ownerID string) OwnerSlots {
	return OwnerSlots{Reserved: k.Owner(ownerID), Consumed: k.Issued(ownerID)}
}

func (k KeySpace) OwnerPattern() string { return k.prefixed(k.OwnerPrefix) + "*" }

func (k KeySpace) IssuedPattern() string { return k.prefixed(k.IssuedPrefix) + "*" }

func (k KeySpace) UsedPattern() string { return k.prefixed(k.UsedPrefix) + "*" }

// OwnerFromKey extrai o ownerID de uma chave owner_counter:{ownerID}.
func (k KeySpace) OwnerFromKey(key string) (string, bool) {
	return strings.CutPrefix(key, k.prefixed(k.OwnerPrefix))
}

// OwnerFromIssuedKey extrai o ownerID de uma chave owner_issued:{ownerID}.
func (k KeySpace) OwnerFromIssuedKey(key string) (string, bool) {
	return strings.CutPrefix(key, k.prefixed(k.IssuedPrefix))
}

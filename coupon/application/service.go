package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"coupon-gateway/coupon/domain"

	"github.com/sirupsen/logrus"
)

// Options configura o Service. Zeros recebem os padrões do serviço original
// (77 global, 5 por dono, TTL de 24h).
type Options struct {
	Keys        domain.KeySpace
	GlobalLimit int64
	OwnerLimit  int64
	TokenTTL    time.Duration

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// AtomicAdmit exige que o store implemente domain.AtomicAdmitter.
	AtomicAdmit bool

	Events domain.EventRecorder
	Logger logrus.FieldLogger
	Now    func() time.Time
}

const (
	DefaultGlobalLimit = 77
	DefaultOwnerLimit  = 5
)

// Service expõe as operações do núcleo para a camada HTTP e para a CLI.
type Service struct {
	store  domain.CounterStore
	keys   domain.KeySpace
	quota  QuotaEnforcer
	issuer TokenIssuer
	ledger TokenLedger
	events domain.EventRecorder
	log    logrus.FieldLogger
	now    func() time.Time
}

type Issued struct {
	Record     domain.TokenRecord
	Credential string
	// Remaining é quantos tokens globais sobravam logo após esta emissão.
	Remaining int64
}

type Redemption struct {
	OwnerID    string
	Sequence   int64
	RedeemedAt time.Time
}

type Validation struct {
	Valid    bool
	Reason   string
	Sequence int64
	OwnerID  string
}

type Stats struct {
	Issued       int64
	Remaining    int64
	Limit        int64
	OwnerLimit   int64
	LimitReached bool
}

type OwnerStats struct {
	OwnerID      string
	Issued       int64
	Remaining    int64
	Limit        int64
	LimitReached bool
}

// Drift descreve um dono cujas vagas reservadas não batem com os tokens
// emitidos (owner_issued), ou cujo journal diverge desses tokens.
type Drift struct {
	OwnerID  string
	Reserved int64
	Issued   int64
	Released int64

	// Journal só é preenchido quando um journal é passado ao Reconcile.
	Journal int64
}

func NewService(store domain.CounterStore, codec domain.CredentialCodec, opts Options) (*Service, error) {
	if store == nil {
		return nil, errors.New("counter store is required")
	}
	if codec == nil {
		return nil, errors.New("credential codec is required")
	}
	if opts.Keys == (domain.KeySpace{}) {
		opts.Keys = domain.DefaultKeySpace()
	}
	if opts.GlobalLimit <= 0 {
		opts.GlobalLimit = DefaultGlobalLimit
	}
	if opts.OwnerLimit <= 0 {
		opts.OwnerLimit = DefaultOwnerLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := loggerOrDiscard(opts.Logger)

	var atomic domain.AtomicAdmitter
	if opts.AtomicAdmit {
		a, ok := store.(domain.AtomicAdmitter)
		if !ok {
			return nil, fmt.Errorf("store %T does not support atomic admission", store)
		}
		atomic = a
	}

	issuer := TokenIssuer{Codec: codec, TTL: opts.TokenTTL, Now: opts.Now}
	return &Service{
		store: store,
		keys:  opts.Keys,
		quota: QuotaEnforcer{
			Counter: LimitedCounter{
				Store:          store,
				MaxRetries:     opts.MaxRetries,
				InitialBackoff: opts.InitialBackoff,
				MaxBackoff:     opts.MaxBackoff,
				Logger:         log,
			},
			Keys:        opts.Keys,
			GlobalLimit: opts.GlobalLimit,
			OwnerLimit:  opts.OwnerLimit,
			Atomic:      atomic,
			Logger:      log,
		},
		issuer: issuer,
		ledger: TokenLedger{Issuer: issuer, Store: store, Keys: opts.Keys},
		events: opts.Events,
		log:    log,
		now:    opts.Now,
	}, nil
}

// IssueToken admite o dono nas duas cotas e emite o token assinado.
// Rejeição de cota retorna *domain.QuotaExceededError.
func (s *Service) IssueToken(ctx context.Context, ownerID string) (Issued, error) {
	if ownerID == "" {
		return Issued{}, domain.ErrMissingOwner
	}
	log := s.log.WithField("owner", ownerID)

	adm, err := s.quota.Admit(ctx, ownerID)
	if err != nil {
		s.record(ctx, domain.Event{Kind: failureKind(err), OwnerID: ownerID})
		log.WithError(err).Error("admission failed")
		return Issued{}, err
	}
	if !adm.Admitted {
		s.record(ctx, domain.Event{Kind: domain.EventQuotaRejected, OwnerID: ownerID, Scope: adm.Rejected})
		log.WithFields(logrus.Fields{"scope": adm.Rejected.String(), "current": adm.Current, "limit": adm.Limit}).
			Info("quota exceeded")
		return Issued{}, &domain.QuotaExceededError{Scope: adm.Rejected, Current: adm.Current, Limit: adm.Limit}
	}

	// Uma falha aqui deixa a sequência e a vaga do dono consumidas sem token,
	// um buraco na sequência. Com HS256 só acontece com ctx ou codec quebrado.
	rec, raw, err := s.issuer.Mint(adm.Sequence, ownerID)
	if err != nil {
		log.WithError(err).WithField("sequence", adm.Sequence).Error("admitted but failed to mint token")
		return Issued{}, fmt.Errorf("mint token #%d: %w", adm.Sequence, err)
	}

	remaining := max(s.quota.GlobalLimit-adm.Sequence, 0)
	s.record(ctx, domain.Event{
		Kind:      domain.EventIssued,
		OwnerID:   ownerID,
		Sequence:  rec.Sequence,
		At:        rec.IssuedAt,
		ExpiresAt: rec.ExpiresAt,
	})
	log.WithFields(logrus.Fields{"sequence": rec.Sequence, "remaining": remaining}).Info("token issued")

	return Issued{Record: rec, Credential: raw, Remaining: remaining}, nil
}

// RedeemToken consome o token uma única vez.
func (s *Service) RedeemToken(ctx context.Context, raw string) (Redemption, error) {
	rec, err := s.ledger.Redeem(ctx, raw)
	if err != nil {
		ev := domain.Event{OwnerID: rec.OwnerID, Sequence: rec.Sequence}
		if reason := RejectionReason(err); reason != "" {
			ev.Kind = domain.EventRedeemRejected
			ev.Reason = reason
		} else {
			ev.Kind = failureKind(err)
			s.log.WithError(err).WithField("sequence", rec.Sequence).Error("redemption failed")
		}
		s.record(ctx, ev)
		return Redemption{}, err
	}

	now := s.now().UTC()
	s.record(ctx, domain.Event{Kind: domain.EventRedeemed, OwnerID: rec.OwnerID, Sequence: rec.Sequence, At: now})
	s.log.WithFields(logrus.Fields{"owner": rec.OwnerID, "sequence": rec.Sequence}).Info("token redeemed")

	return Redemption{OwnerID: rec.OwnerID, Sequence: rec.Sequence, RedeemedAt: now}, nil
}

// ValidateToken verifica sem consumir. Token inválido, expirado ou usado vira
// Valid=false com Reason; apenas falhas do store retornam erro.
func (s *Service) ValidateToken(ctx context.Context, raw string) (Validation, error) {
	rec, err := s.issuer.Verify(raw)
	if err != nil {
		return Validation{Reason: RejectionReason(err), Sequence: rec.Sequence, OwnerID: rec.OwnerID}, nil
	}
	used, err := s.ledger.Used(ctx, rec)
	if err != nil {
		return Validation{}, err
	}
	v := Validation{Valid: !used, Reason: "ok", Sequence: rec.Sequence, OwnerID: rec.OwnerID}
	if used {
		v.Reason = RejectionReason(domain.ErrAlreadyUsed)
	}
	return v, nil
}

// Stats lê o contador global. Best-effort: reflete o store no momento da leitura.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	issued, err := s.store.Get(ctx, s.keys.Global())
	if err != nil {
		return Stats{}, err
	}
	limit := s.quota.GlobalLimit
	return Stats{
		Issued:       issued,
		Remaining:    max(limit-issued, 0),
		Limit:        limit,
		OwnerLimit:   s.quota.OwnerLimit,
		LimitReached: issued >= limit,
	}, nil
}

func (s *Service) OwnerStats(ctx context.Context, ownerID string) (OwnerStats, error) {
	if ownerID == "" {
		return OwnerStats{}, domain.ErrMissingOwner
	}
	issued, err := s.store.Get(ctx, s.keys.Owner(ownerID))
	if err != nil {
		return OwnerStats{}, err
	}
	limit := s.quota.OwnerLimit
	return OwnerStats{
		OwnerID:      ownerID,
		Issued:       issued,
		Remaining:    max(limit-issued, 0),
		Limit:        limit,
		LimitReached: issued >= limit,
	}, nil
}

func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// Reset é a operação administrativa que apaga o contador global, os contadores
// por dono e os marcadores de uso. Retorna quantas chaves foram removidas.
func (s *Service) Reset(ctx context.Context) (int64, error) {
	keys := []string{s.keys.Global()}
	for _, pattern := range []string{s.keys.OwnerPattern(), s.keys.IssuedPattern(), s.keys.UsedPattern()} {
		found, err := s.store.Scan(ctx, pattern)
		if err != nil {
			return 0, err
		}
		keys = append(keys, found...)
	}
	n, err := s.store.Delete(ctx, keys...)
	if err != nil {
		return 0, err
	}
	s.log.WithField("keys", n).Warn("counters reset")
	return n, nil
}

// Reconcile compara, para cada dono, as vagas reservadas (owner_counter) com os
// tokens emitidos (owner_issued). Os dois vivem no store compartilhado e
// owner_issued só avança no mesmo commit do contador global, então a diferença
// é exatamente o que está em trânsito ou preso.
//
// Com apply=true a diferença é devolvida com ReclaimSlots, condicionado ao valor
// lido. Uma emissão ainda em trânsito que perder a vaga falha com
// ErrSlotReclaimed, sem token; nenhum dono passa do limite.
//
// O journal é opcional e só informativo: ele é por processo e gravado em
// best-effort, então nunca decide o que é devolvido.
func (s *Service) Reconcile(ctx context.Context, journal domain.Journal, apply bool) ([]Drift, error) {
	var journaled map[string]int64
	if journal != nil {
		var err error
		if journaled, err = journal.IssuedByOwner(ctx); err != nil {
			return nil, fmt.Errorf("read journal: %w", err)
		}
	}

	owners := make(map[string]struct{})
	for _, pattern := range []string{s.keys.OwnerPattern(), s.keys.IssuedPattern()} {
		keys, err := s.store.Scan(ctx, pattern)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if owner, ok := s.keys.OwnerFromKey(key); ok {
				owners[owner] = struct{}{}
			} else if owner, ok := s.keys.OwnerFromIssuedKey(key); ok {
				owners[owner] = struct{}{}
			}
		}
	}
	for owner, n := range journaled {
		if n > 0 {
			owners[owner] = struct{}{}
		}
	}

	var drifts []Drift
	for owner := range owners {
		slots := s.keys.Slots(owner)
		reserved, err := s.store.Get(ctx, slots.Reserved)
		if err != nil {
			return nil, err
		}
		issued, err := s.store.Get(ctx, slots.Consumed)
		if err != nil {
			return nil, err
		}
		d := Drift{OwnerID: owner, Reserved: reserved, Issued: issued, Journal: journaled[owner]}
		journalDrift := journal != nil && d.Journal != issued
		if reserved == issued && !journalDrift {
			continue
		}

		if apply && reserved > issued {
			n, err := s.store.ReclaimSlots(ctx, slots, reserved)
			switch {
			case errors.Is(err, domain.ErrConflict):
				s.log.WithField("owner", owner).Warn("owner counter changed during reconcile, skipped")
			case err != nil:
				return drifts, err
			default:
				d.Released = n
				s.log.WithFields(logrus.Fields{"owner": owner, "from": reserved, "released": n}).Warn("owner slots reclaimed")
			}
		}
		drifts = append(drifts, d)
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].OwnerID < drifts[j].OwnerID })
	return drifts, nil
}

func (s *Service) record(ctx context.Context, ev domain.Event) {
	if s.events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	if err := s.events.Record(ctx, ev); err != nil {
		s.log.WithError(err).WithField("event", ev.Kind).Warn("event recording failed")
	}
}

// RejectionReason traduz os erros de credencial para um código estável.
// Retorna "" para erros que não são rejeição de credencial.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrExpiredCredential):
		return "expired"
	case errors.Is(err, domain.ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, domain.ErrInvalidCredential):
		return "invalid"
	default:
		return ""
	}
}

func failureKind(err error) domain.EventKind {
	switch {
	case errors.Is(err, domain.ErrContention):
		return domain.EventContention
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.EventCancelled
	default:
		return domain.EventStoreUnavailable
	}
}

package application

import (
	"context"
	"errors"
	"fmt"

	"coupon-gateway/coupon/domain"

	"github.com/sirupsen/logrus"
)

// QuotaEnforcer combina a cota por dono e a cota global numa única decisão.
//
// Modo padrão (duas fases): primeiro reserva uma vaga do dono (owner_counter),
// depois incrementa o global e, no mesmo commit, consome a vaga (owner_issued).
// Se o global rejeitar ou falhar, a vaga é devolvida num ctx próprio, de modo
// que cancelamento ou prazo da requisição não a prendem.
// Se o processo morrer entre as duas fases, a vaga fica presa: owner_counter
// fica acima de owner_issued. O comando reconcile devolve essas vagas.
//
// Se Atomic != nil, as duas cotas são verificadas e incrementadas numa única
// operação atômica do store e não há janela de compensação.
type QuotaEnforcer struct {
	Counter LimitedCounter
	Keys    domain.KeySpace

	GlobalLimit int64
	OwnerLimit  int64

	Atomic domain.AtomicAdmitter
	Logger logrus.FieldLogger
}

func (q QuotaEnforcer) Admit(ctx context.Context, ownerID string) (domain.Admission, error) {
	if q.Atomic != nil {
		return q.admitAtomic(ctx, ownerID)
	}

	log := loggerOrDiscard(q.Logger).WithField("owner", ownerID)
	slots := q.Keys.Slots(ownerID)

	ownerCount, ok, err := q.Counter.TryIncrement(ctx, slots.Reserved, q.OwnerLimit)
	if err != nil {
		return domain.Admission{}, err
	}
	if !ok {
		return domain.Admission{Rejected: domain.ScopeOwner, Current: ownerCount, Limit: q.OwnerLimit}, nil
	}

	seq, ok, err := q.Counter.TryConsume(ctx, q.Keys.Global(), q.GlobalLimit, slots)
	if err == nil && ok {
		return domain.Admission{Admitted: true, Sequence: seq}, nil
	}
	if errors.Is(err, domain.ErrSlotReclaimed) {
		// a vaga já foi devolvida pelo reconcile.
		log.Warn("owner slot reclaimed before the global phase")
		return domain.Admission{}, err
	}

	// o dono não recebeu token: devolve a vaga.
	released, derr := q.Counter.Release(ctx, slots)
	switch {
	case derr != nil:
		log.WithError(derr).Error("failed to release owner slot, owner counter is now stuck one above issued")
		if err == nil {
			err = fmt.Errorf("release owner slot: %w", derr)
		}
	case !released:
		log.Warn("owner slot already reclaimed")
	}
	if err != nil {
		return domain.Admission{}, err
	}
	return domain.Admission{Rejected: domain.ScopeGlobal, Current: seq, Limit: q.GlobalLimit}, nil
}

func (q QuotaEnforcer) admitAtomic(ctx context.Context, ownerID string) (domain.Admission, error) {
	res, err := q.Atomic.AdmitAtomically(ctx, q.Keys.Slots(ownerID), q.Keys.Global(), q.OwnerLimit, q.GlobalLimit)
	if err != nil {
		return domain.Admission{}, err
	}
	if res.Admitted {
		return domain.Admission{Admitted: true, Sequence: res.Sequence}, nil
	}

	limit := q.GlobalLimit
	if res.Rejected == domain.ScopeOwner {
		limit = q.OwnerLimit
	}
	return domain.Admission{Rejected: res.Rejected, Current: res.Current, Limit: limit}, nil
}

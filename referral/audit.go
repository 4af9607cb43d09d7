package referral

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// audit appends an admin action to the log inside the caller's unit of work.
func audit(ctx context.Context, st Store, actor Actor, action AuditAction, target string, detail map[string]any, at time.Time) error {
	if actor.ID == "" {
		actor = SystemActor
	}
	return st.AppendAudit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		ActorID:   actor.ID,
		Action:    action,
		TargetID:  target,
		Detail:    detail,
		IP:        actor.IP,
		CreatedAt: at,
	})
}

func idOrNil(id *UserID) any {
	if id == nil {
		return nil
	}
	return string(*id)
}

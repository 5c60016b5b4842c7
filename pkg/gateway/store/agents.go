package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vango-go/vai-callbridge/pkg/gateway/agents"
)

// Agents is an agents.Directory backed by the agents table.
type Agents struct {
	db *DB
}

func NewAgents(db *DB) *Agents { return &Agents{db: db} }

func (a *Agents) Lookup(ctx context.Context, id string) (agents.Profile, error) {
	var p agents.Profile
	err := a.db.pool.QueryRow(ctx, `
		SELECT id, name, system_prompt, welcome, subject, tools, voice_id, timezone
		FROM agents WHERE id = $1 AND enabled`, id).
		Scan(&p.ID, &p.Name, &p.SystemPrompt, &p.Welcome, &p.Subject, &p.Tools, &p.VoiceID, &p.Timezone)
	if errors.Is(err, pgx.ErrNoRows) {
		return agents.Profile{}, agents.ErrUnknown
	}
	if err != nil {
		return agents.Profile{}, fmt.Errorf("lookup agent %s: %w", id, err)
	}
	return p, nil
}

// Upsert creates or replaces a profile.
func (a *Agents) Upsert(ctx context.Context, p agents.Profile) error {
	tools := p.Tools
	if tools == nil {
		tools = []string{}
	}
	_, err := a.db.pool.Exec(ctx, `
		INSERT INTO agents (id, name, system_prompt, welcome, subject, tools, voice_id, timezone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			system_prompt = EXCLUDED.system_prompt,
			welcome = EXCLUDED.welcome,
			subject = EXCLUDED.subject,
			tools = EXCLUDED.tools,
			voice_id = EXCLUDED.voice_id,
			timezone = EXCLUDED.timezone,
			updated_at = now()`,
		p.ID, p.Name, p.SystemPrompt, p.Welcome, p.Subject, tools, p.VoiceID, p.Timezone)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", p.ID, err)
	}
	return nil
}

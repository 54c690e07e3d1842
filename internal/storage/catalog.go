package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dripline/internal/scenario"
)

func (s *Store) PutAccount(ctx context.Context, a scenario.Account) error {
	if a.ID == "" {
		return errors.New("account id is required")
	}
	if a.Transport == "" {
		a.Transport = "telegram"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, name, transport, credential, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, transport=excluded.transport, credential=excluded.credential`,
		a.ID, a.Name, a.Transport, a.Credential, time.Now().UnixMilli(),
	)
	return err
}

// PutContact upserts a contact and returns its id, generating one when empty.
func (s *Store) PutContact(ctx context.Context, c scenario.Contact) (string, error) {
	if c.AccountID == "" || c.ExternalID == "" {
		return "", errors.New("contact needs account_id and external_id")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(id, account_id, external_id, registered_at, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET account_id=excluded.account_id, external_id=excluded.external_id, registered_at=excluded.registered_at`,
		c.ID, c.AccountID, c.ExternalID, ms(c.RegisteredAt), time.Now().UnixMilli(),
	)
	return c.ID, err
}

func (s *Store) PutScenario(ctx context.Context, sc scenario.Scenario) error {
	if sc.ID == "" || sc.AccountID == "" {
		return errors.New("scenario needs id and account_id")
	}
	created := sc.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scenarios(id, account_id, name, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET account_id=excluded.account_id, name=excluded.name`,
		sc.ID, sc.AccountID, sc.Name, created.UnixMilli(),
	)
	return err
}

// PutStep upserts a step and replaces its messages in one transaction.
func (s *Store) PutStep(ctx context.Context, st scenario.Step) error {
	if st.ID == "" || st.ScenarioID == "" || st.Position < 1 {
		return errors.New("step needs id, scenario_id and position >= 1")
	}
	policy, err := json.Marshal(st.Policy)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO steps(id, scenario_id, position, policy, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET scenario_id=excluded.scenario_id, position=excluded.position, policy=excluded.policy`,
		st.ID, st.ScenarioID, st.Position, string(policy), time.Now().UnixMilli(),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM step_messages WHERE step_id = ?`, st.ID); err != nil {
		return err
	}
	for i, m := range st.Messages {
		kind, payload, err := scenario.EncodeMessage(m)
		if err != nil {
			return fmt.Errorf("step %s message %d: %w", st.ID, i+1, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO step_messages(step_id, position, kind, payload) VALUES(?,?,?,?)`,
			st.ID, i+1, string(kind), string(payload),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PutTransition records A -> B and returns the new transition id.
func (s *Store) PutTransition(ctx context.Context, t scenario.Transition) (int64, error) {
	if t.FromScenarioID == "" || t.ToScenarioID == "" {
		return 0, errors.New("transition needs from and to scenario")
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions(from_scenario_id, to_scenario_id, created_at) VALUES(?,?,?)`,
		t.FromScenarioID, t.ToScenarioID, created.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// EnsureTransition records from -> to unless that exact pair exists. created
// reports whether a row was added.
func (s *Store) EnsureTransition(ctx context.Context, t scenario.Transition) (created bool, err error) {
	if t.FromScenarioID == "" || t.ToScenarioID == "" {
		return false, errors.New("transition needs from and to scenario")
	}
	at := t.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	n, err := rowsAffected(s.db.ExecContext(ctx,
		`INSERT INTO transitions(from_scenario_id, to_scenario_id, created_at)
		 SELECT ?, ?, ?
		  WHERE NOT EXISTS (SELECT 1 FROM transitions WHERE from_scenario_id = ? AND to_scenario_id = ?)`,
		t.FromScenarioID, t.ToScenarioID, at.UnixMilli(), t.FromScenarioID, t.ToScenarioID,
	))
	return n == 1, err
}

func (s *Store) Contact(ctx context.Context, id string) (scenario.Contact, error) {
	return s.scanContact(s.db.QueryRowContext(ctx,
		`SELECT id, account_id, external_id, registered_at FROM contacts WHERE id = ?`, id))
}

// ContactByExternalID resolves a chat identity. ErrAmbiguous is returned when
// several accounts know the same identity.
func (s *Store) ContactByExternalID(ctx context.Context, externalID string) (scenario.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, external_id, registered_at FROM contacts WHERE external_id = ? ORDER BY created_at LIMIT 2`,
		externalID)
	if err != nil {
		return scenario.Contact{}, err
	}
	defer rows.Close()
	var found []scenario.Contact
	for rows.Next() {
		c, err := s.scanContact(rows)
		if err != nil {
			return scenario.Contact{}, err
		}
		found = append(found, c)
	}
	if err := rows.Err(); err != nil {
		return scenario.Contact{}, err
	}
	switch len(found) {
	case 0:
		return scenario.Contact{}, fmt.Errorf("contact %q: %w", externalID, ErrNotFound)
	case 1:
		return found[0], nil
	default:
		return scenario.Contact{}, fmt.Errorf("contact %q: %w", externalID, ErrAmbiguous)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanContact(r rowScanner) (scenario.Contact, error) {
	var (
		c   scenario.Contact
		reg sql.NullInt64
	)
	if err := r.Scan(&c.ID, &c.AccountID, &c.ExternalID, &reg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, fmt.Errorf("contact: %w", ErrNotFound)
		}
		return c, err
	}
	c.RegisteredAt = fromMS(reg)
	return c, nil
}

// AccountForScenario returns the account that owns a scenario.
func (s *Store) AccountForScenario(ctx context.Context, scenarioID string) (scenario.Account, error) {
	var a scenario.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT a.id, a.name, a.transport, a.credential
		   FROM scenarios sc JOIN accounts a ON a.id = sc.account_id
		  WHERE sc.id = ?`, scenarioID,
	).Scan(&a.ID, &a.Name, &a.Transport, &a.Credential)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("account for scenario %s: %w", scenarioID, ErrNotFound)
	}
	return a, err
}

// Step loads a step with its ordered messages.
func (s *Store) Step(ctx context.Context, id string) (scenario.Step, error) {
	return s.loadStep(ctx, s.db.QueryRowContext(ctx,
		`SELECT id, scenario_id, position, policy FROM steps WHERE id = ?`, id))
}

// NextStep returns the lowest-positioned step after afterPosition. Pass 0 for
// the first step.
func (s *Store) NextStep(ctx context.Context, scenarioID string, afterPosition int) (scenario.Step, error) {
	return s.loadStep(ctx, s.db.QueryRowContext(ctx,
		`SELECT id, scenario_id, position, policy FROM steps
		  WHERE scenario_id = ? AND position > ? ORDER BY position LIMIT 1`,
		scenarioID, afterPosition))
}

func (s *Store) loadStep(ctx context.Context, row *sql.Row) (scenario.Step, error) {
	var (
		st     scenario.Step
		policy string
	)
	if err := row.Scan(&st.ID, &st.ScenarioID, &st.Position, &policy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return st, fmt.Errorf("step: %w", ErrNotFound)
		}
		return st, err
	}
	if err := json.Unmarshal([]byte(policy), &st.Policy); err != nil {
		return st, fmt.Errorf("step %s policy: %w", st.ID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, payload FROM step_messages WHERE step_id = ? ORDER BY position`, st.ID)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind, payload string
		if err := rows.Scan(&kind, &payload); err != nil {
			return st, err
		}
		m, err := scenario.DecodeMessage(scenario.MessageKind(kind), []byte(payload))
		if err != nil {
			return st, fmt.Errorf("step %s: %w", st.ID, err)
		}
		st.Messages = append(st.Messages, m)
	}
	return st, rows.Err()
}

// TransitionFrom returns the effective transition out of a scenario: the
// earliest defined one. ok is false when none exists.
func (s *Store) TransitionFrom(ctx context.Context, scenarioID string) (scenario.Transition, bool, error) {
	var (
		t       scenario.Transition
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, from_scenario_id, to_scenario_id, created_at FROM transitions
		  WHERE from_scenario_id = ? ORDER BY created_at, id LIMIT 1`, scenarioID,
	).Scan(&t.ID, &t.FromScenarioID, &t.ToScenarioID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return t, false, nil
	}
	if err != nil {
		return t, false, err
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	return t, true, nil
}

package coordinate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/golang/glog"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS documents (
	document_id text PRIMARY KEY,
	name text NOT NULL DEFAULT '',
	creator_id text NOT NULL,
	collaborators text[] NOT NULL DEFAULT '{}',
	version bigint NOT NULL DEFAULT 0,
	last_modified timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS changes (
	change_id uuid PRIMARY KEY,
	document_id text NOT NULL REFERENCES documents (document_id) ON DELETE CASCADE,
	topic_id text NOT NULL,
	change_type text NOT NULL,
	properties jsonb,
	user_id text NOT NULL,
	version bigint NOT NULL,
	created_at timestamptz NOT NULL,
	UNIQUE (document_id, version)
);

CREATE INDEX IF NOT EXISTS changes_document_version ON changes (document_id, version);
`

// postgres-backed document store. the change log is append only.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(ctx context.Context, databaseUrl string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, databaseUrl)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	store := &PgStore{
		pool: pool,
	}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	glog.Infof("[store]connected %s\n", pool.Config().ConnConfig.Host)
	return store, nil
}

func (self *PgStore) ensureSchema(ctx context.Context) error {
	_, err := self.pool.Exec(ctx, pgSchema)
	return err
}

func (self *PgStore) GetDocument(ctx context.Context, documentId string) (*Document, error) {
	document := &Document{}
	err := self.pool.QueryRow(
		ctx,
		`SELECT document_id, name, creator_id, collaborators, version, last_modified
			FROM documents WHERE document_id = $1`,
		documentId,
	).Scan(
		&document.DocumentId,
		&document.Name,
		&document.CreatorId,
		&document.Collaborators,
		&document.Version,
		&document.LastModified,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{DocumentId: documentId}
	}
	if err != nil {
		return nil, err
	}
	return document, nil
}

func (self *PgStore) CreateDocument(ctx context.Context, document *Document) (*Document, error) {
	c := *document
	if c.DocumentId == "" {
		c.DocumentId = uuid.NewString()
	}
	if c.Collaborators == nil {
		c.Collaborators = []string{}
	}
	if c.LastModified.IsZero() {
		c.LastModified = time.Now()
	}
	_, err := self.pool.Exec(
		ctx,
		`INSERT INTO documents (document_id, name, creator_id, collaborators, version, last_modified)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		c.DocumentId,
		c.Name,
		c.CreatorId,
		c.Collaborators,
		c.Version,
		c.LastModified,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (self *PgStore) UpdateDocument(ctx context.Context, document *Document) error {
	collaborators := document.Collaborators
	if collaborators == nil {
		collaborators = []string{}
	}
	tag, err := self.pool.Exec(
		ctx,
		`UPDATE documents SET name = $2, collaborators = $3 WHERE document_id = $1`,
		document.DocumentId,
		document.Name,
		collaborators,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{DocumentId: document.DocumentId}
	}
	return nil
}

func (self *PgStore) DeleteDocument(ctx context.Context, documentId string) error {
	tag, err := self.pool.Exec(
		ctx,
		`DELETE FROM documents WHERE document_id = $1`,
		documentId,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{DocumentId: documentId}
	}
	return nil
}

func (self *PgStore) ListDocuments(ctx context.Context, userId string) ([]*Document, error) {
	rows, err := self.pool.Query(
		ctx,
		`SELECT document_id, name, creator_id, collaborators, version, last_modified
			FROM documents WHERE creator_id = $1 OR $1 = ANY(collaborators)
			ORDER BY last_modified DESC`,
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	documents := []*Document{}
	for rows.Next() {
		document := &Document{}
		if err := rows.Scan(
			&document.DocumentId,
			&document.Name,
			&document.CreatorId,
			&document.Collaborators,
			&document.Version,
			&document.LastModified,
		); err != nil {
			return nil, err
		}
		documents = append(documents, document)
	}
	return documents, rows.Err()
}

func (self *PgStore) AppendChange(ctx context.Context, documentId string, change *Change) (string, error) {
	changeId := uuid.NewString()
	var propertiesJson []byte
	if change.Properties != nil {
		var err error
		propertiesJson, err = json.Marshal(change.Properties)
		if err != nil {
			return "", err
		}
	}
	_, err := self.pool.Exec(
		ctx,
		`INSERT INTO changes (change_id, document_id, topic_id, change_type, properties, user_id, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		changeId,
		documentId,
		change.TopicId,
		string(change.ChangeType),
		propertiesJson,
		change.UserId,
		change.Version,
		change.Timestamp,
	)
	if err != nil {
		return "", err
	}
	return changeId, nil
}

func (self *PgStore) UpdateHead(ctx context.Context, documentId string, version int64, lastModified time.Time) error {
	tag, err := self.pool.Exec(
		ctx,
		`UPDATE documents SET version = $2, last_modified = $3 WHERE document_id = $1`,
		documentId,
		version,
		lastModified,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{DocumentId: documentId}
	}
	return nil
}

func (self *PgStore) ListChanges(ctx context.Context, documentId string, sinceVersion int64) ([]*Change, error) {
	rows, err := self.pool.Query(
		ctx,
		`SELECT change_id, document_id, topic_id, change_type, properties, user_id, version, created_at
			FROM changes WHERE document_id = $1 AND version > $2
			ORDER BY version ASC`,
		documentId,
		sinceVersion,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	changes := []*Change{}
	for rows.Next() {
		change := &Change{}
		var changeType string
		var propertiesJson []byte
		if err := rows.Scan(
			&change.ChangeId,
			&change.DocumentId,
			&change.TopicId,
			&changeType,
			&propertiesJson,
			&change.UserId,
			&change.Version,
			&change.Timestamp,
		); err != nil {
			return nil, err
		}
		change.ChangeType = ChangeType(changeType)
		if 0 < len(propertiesJson) {
			if err := json.Unmarshal(propertiesJson, &change.Properties); err != nil {
				return nil, err
			}
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

func (self *PgStore) Close() {
	self.pool.Close()
}

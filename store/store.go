package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"realmnet/protocol"
)

var (
	// ErrNotFound 记录不存在（或已软删除）
	ErrNotFound = errors.New("store: not found")
	// ErrCharacterCap 账号的角色数已达上限
	ErrCharacterCap = errors.New("store: character limit reached")
	// ErrNameTaken 角色名已被占用（包括已删除的角色）
	ErrNameTaken = errors.New("store: character name taken")
)

// DefaultMapID 初始化时创建的占位地图
const DefaultMapID = 1

const schema = `
CREATE TABLE IF NOT EXISTS maps (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS users (
	id             INTEGER PRIMARY KEY,
	uuid           TEXT NOT NULL UNIQUE,
	max_characters INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS characters (
	id         INTEGER PRIMARY KEY,
	uuid       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL UNIQUE,
	user_id    INTEGER NOT NULL REFERENCES users(id),
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	map_id     INTEGER REFERENCES maps(id),
	x          REAL NOT NULL DEFAULT 0,
	y          REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS characters_user ON characters(user_id, is_deleted);
INSERT OR IGNORE INTO maps (id, name) VALUES (1, 'Placeholder Map');
`

// Account 一个已认证账号在本地的记录
type Account struct {
	ID            int64
	UUID          string
	MaxCharacters int
}

// Store sqlite 持久化层；每个方法是一个独立事务
type Store struct {
	db *sql.DB
}

// Open 打开数据库并应用 schema
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureMap 登记地图；已存在时不做修改
func (s *Store) EnsureMap(ctx context.Context, id int, name string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO maps (id, name) VALUES (?, ?)`, id, name); err != nil {
		return fmt.Errorf("create map %d: %w", id, err)
	}
	return nil
}

// EnsureAccount 按 UUID 取账号，不存在则创建
func (s *Store) EnsureAccount(ctx context.Context, uuid string, maxCharacters int) (Account, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (uuid, max_characters) VALUES (?, ?)`, uuid, maxCharacters); err != nil {
		return Account{}, fmt.Errorf("create user: %w", err)
	}
	var a Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, uuid, max_characters FROM users WHERE uuid = ?`, uuid).Scan(&a.ID, &a.UUID, &a.MaxCharacters)
	if err != nil {
		return Account{}, fmt.Errorf("load user: %w", err)
	}
	return a, nil
}

// ListCharacterIDs 账号名下未删除的角色，按创建时间升序
func (s *Store) ListCharacterIDs(ctx context.Context, accountID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid FROM characters WHERE user_id = ? AND is_deleted = 0 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadCharacter 取未删除的角色
func (s *Store) LoadCharacter(ctx context.Context, uuid string) (protocol.Character, error) {
	var (
		c                protocol.Character
		created, updated time.Time
		mapID            sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, name, created_at, updated_at, map_id, x, y
		FROM characters WHERE uuid = ? AND is_deleted = 0`, uuid).
		Scan(&c.ID, &c.UUID, &c.Name, &created, &updated, &mapID, &c.Location.X, &c.Location.Y)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Character{}, ErrNotFound
	}
	if err != nil {
		return protocol.Character{}, fmt.Errorf("load character: %w", err)
	}
	c.CreatedAt = created.UTC().Format(time.RFC3339Nano)
	c.UpdatedAt = updated.UTC().Format(time.RFC3339Nano)
	c.Location.MapID = int(mapID.Int64)
	return c, nil
}

// SaveLocation 写回角色的地图与坐标
func (s *Store) SaveLocation(ctx context.Context, uuid string, loc protocol.Location) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE characters SET map_id = ?, x = ?, y = ?, updated_at = ? WHERE uuid = ?`,
		loc.MapID, loc.X, loc.Y, time.Now().UTC(), uuid)
	if err != nil {
		return fmt.Errorf("save character %s: %w", uuid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateCharacter 在默认地图原点创建角色。上限检查与插入在同一条语句里完成。
func (s *Store) CreateCharacter(ctx context.Context, accountID int64, name string) (protocol.Character, error) {
	id := protocol.NewUUID()
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO characters (uuid, name, user_id, created_at, updated_at, map_id, x, y)
		SELECT ?, ?, u.id, ?, ?, ?, 0, 0 FROM users u
		WHERE u.id = ?
		  AND (SELECT COUNT(*) FROM characters c WHERE c.user_id = u.id AND c.is_deleted = 0) < u.max_characters`,
		id, name, now, now, DefaultMapID, accountID)
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return protocol.Character{}, ErrNameTaken
	}
	if err != nil {
		return protocol.Character{}, fmt.Errorf("create character: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.AtCharacterCap(ctx, accountID); errors.Is(err, ErrNotFound) {
			return protocol.Character{}, ErrNotFound
		}
		return protocol.Character{}, ErrCharacterCap
	}
	return s.LoadCharacter(ctx, id)
}

// NameExists 角色名全局唯一，已删除的角色仍占用名字
func (s *Store) NameExists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM characters WHERE name = ?`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("check name: %w", err)
	}
	return n > 0, nil
}

// AtCharacterCap 账号的未删除角色数是否已达上限
func (s *Store) AtCharacterCap(ctx context.Context, accountID int64) (bool, error) {
	var count, max int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM characters WHERE user_id = u.id AND is_deleted = 0), u.max_characters
		FROM users u WHERE u.id = ?`, accountID).Scan(&count, &max)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check character cap: %w", err)
	}
	return count >= max, nil
}

// DeleteCharacter 软删除
func (s *Store) DeleteCharacter(ctx context.Context, uuid string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE characters SET is_deleted = 1, updated_at = ? WHERE uuid = ? AND is_deleted = 0`, time.Now().UTC(), uuid)
	if err != nil {
		return fmt.Errorf("delete character %s: %w", uuid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

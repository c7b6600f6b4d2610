package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"

	"probefleet/internal/models"
)

const probeColumns = `id, user_id, name, custom_id, location, contact_person, contact_email, port,
	pub_key, host_key, association_period_start, associated, has_been_updated, last_updated`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProbe(row rowScanner) (models.Probe, error) {
	var p models.Probe
	var name, location, person, email sql.NullString
	var start, lastUpdated sql.NullTime
	err := row.Scan(&p.ID, &p.UserID, &name, &p.CustomID, &location, &person, &email, &p.Port,
		&p.PubKey, &p.HostKey, &start, &p.Associated, &p.HasBeenUpdated, &lastUpdated)
	if err != nil {
		return p, err
	}
	p.Name = name.String
	p.Location = location.String
	p.ContactPerson = person.String
	p.ContactEmail = email.String
	if start.Valid {
		p.AssociatedAt = start.Time
	}
	if lastUpdated.Valid {
		p.LastUpdated = lastUpdated.Time
	}
	return p, nil
}

func isUniqueViolation(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// CreateUser adds a new owner
func (s *Store) CreateUser(ctx context.Context, username string, admin bool) (models.User, error) {
	if !models.ValidUsername(username) {
		return models.User{}, ErrInvalidUsername
	}
	u := models.User{Username: username, Admin: admin, CreatedAt: time.Now().UTC()}
	result, err := s.DB.ExecContext(ctx, "INSERT INTO users (username, admin, created_at) VALUES (?, ?, ?)",
		u.Username, u.Admin, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return u, ErrDuplicateUser
		}
		return u, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return u, err
	}
	u.ID = int(id)
	return u, nil
}

// GetUser retrieves a user by username
func (s *Store) GetUser(ctx context.Context, username string) (models.User, error) {
	var u models.User
	err := s.DB.QueryRowContext(ctx, "SELECT id, username, admin, created_at FROM users WHERE username = ?", username).
		Scan(&u.ID, &u.Username, &u.Admin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}

// GetUserByID retrieves a user by its row ID
func (s *Store) GetUserByID(ctx context.Context, id int) (models.User, error) {
	var u models.User
	err := s.DB.QueryRowContext(ctx, "SELECT id, username, admin, created_at FROM users WHERE id = ?", id).
		Scan(&u.ID, &u.Username, &u.Admin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}

// GetAllUsers retrieves all users ordered by name
func (s *Store) GetAllUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT id, username, admin, created_at FROM users ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Admin, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser deletes a user together with its probes and database credentials (manual cascade)
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	var id int
	err = tx.QueryRowContext(ctx, "SELECT id FROM users WHERE username = ?", username).Scan(&id)
	if err != nil {
		tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	statements := []string{
		"DELETE FROM scripts WHERE probe_id IN (SELECT id FROM probes WHERE user_id = ?)",
		"DELETE FROM network_configs WHERE probe_id IN (SELECT id FROM probes WHERE user_id = ?)",
		"DELETE FROM probes WHERE user_id = ?",
		"DELETE FROM databases WHERE user_id = ?",
		"DELETE FROM users WHERE id = ?",
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// ProbeIDInUse reports whether a probe with the given storage-form id exists
func (s *Store) ProbeIDInUse(ctx context.Context, customID string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM probes WHERE custom_id = ?", customID).Scan(&n)
	return n > 0, err
}

// UsedPorts returns every tunnel port currently assigned, in ascending order
func (s *Store) UsedPorts(ctx context.Context) ([]int, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT port FROM probes ORDER BY port")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		ports = append(ports, port)
	}
	return ports, rows.Err()
}

// InsertProbe adds a new probe and its scripts. p.ID is set on success.
func (s *Store) InsertProbe(ctx context.Context, p *models.Probe) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `INSERT INTO probes
		(user_id, name, custom_id, location, contact_person, contact_email, port, association_period_start)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.Name, p.CustomID, p.Location, p.ContactPerson, p.ContactEmail, p.Port, p.AssociatedAt)
	if err != nil {
		tx.Rollback()
		if isUniqueViolation(err) {
			return ErrDuplicateProbeID
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		tx.Rollback()
		return err
	}
	p.ID = int(id)

	if err := insertScripts(ctx, tx, p.ID, p.Scripts); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func insertScripts(ctx context.Context, tx *sql.Tx, probeID int, scripts []models.Script) error {
	for _, sc := range scripts {
		_, err := tx.ExecContext(ctx, `INSERT INTO scripts
			(probe_id, description, filename, args, minute_interval, enabled, required)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			probeID, sc.Description, sc.Filename, sc.Args, sc.MinuteInterval, sc.Enabled || sc.Required, sc.Required)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetProbe retrieves a single probe by its storage-form id
func (s *Store) GetProbe(ctx context.Context, customID string) (models.Probe, error) {
	p, err := scanProbe(s.DB.QueryRowContext(ctx, "SELECT "+probeColumns+" FROM probes WHERE custom_id = ?", customID))
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

// GetProbesByUser retrieves all probes owned by a user, without scripts or networks
func (s *Store) GetProbesByUser(ctx context.Context, userID int) ([]models.Probe, error) {
	return s.queryProbes(ctx, "SELECT "+probeColumns+" FROM probes WHERE user_id = ? ORDER BY id", userID)
}

// GetAllProbes retrieves every probe in the store
func (s *Store) GetAllProbes(ctx context.Context) ([]models.Probe, error) {
	return s.queryProbes(ctx, "SELECT "+probeColumns+" FROM probes ORDER BY id")
}

func (s *Store) queryProbes(ctx context.Context, query string, args ...any) ([]models.Probe, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var probes []models.Probe
	for rows.Next() {
		p, err := scanProbe(rows)
		if err != nil {
			return nil, err
		}
		probes = append(probes, p)
	}
	return probes, rows.Err()
}

// UpdateProbeInfo updates the descriptive fields of a probe and optionally its id.
// Identity changes must be validated by the caller.
func (s *Store) UpdateProbeInfo(ctx context.Context, currentID string, p models.Probe) error {
	result, err := s.DB.ExecContext(ctx, `UPDATE probes SET name=?, custom_id=?, location=?, contact_person=?, contact_email=?
		WHERE custom_id=?`,
		p.Name, p.CustomID, p.Location, p.ContactPerson, p.ContactEmail, currentID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateProbeID
		}
		return err
	}
	return expectOneRow(result)
}

// SetKeys stores both keys and marks the probe associated.
// It only succeeds while the probe has no keys, so a registration can never
// overwrite an earlier one.
func (s *Store) SetKeys(ctx context.Context, customID, pubKey, hostKey string) error {
	result, err := s.DB.ExecContext(ctx, `UPDATE probes SET pub_key=?, host_key=?, associated=1
		WHERE custom_id=? AND pub_key='' AND host_key=''`,
		pubKey, hostKey, customID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeysAlreadySet
	}
	return nil
}

// RenewAssociation clears the keys of a probe and restarts its association period
func (s *Store) RenewAssociation(ctx context.Context, customID string, start time.Time) error {
	result, err := s.DB.ExecContext(ctx, `UPDATE probes SET pub_key='', host_key='', associated=0, association_period_start=?
		WHERE custom_id=?`, start, customID)
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// MarkUpdated records a completed push for a probe. The last-update timestamp
// only moves when the previous one is at least minInterval old.
// It reports whether the timestamp was changed.
func (s *Store) MarkUpdated(ctx context.Context, customID string, now time.Time, minInterval time.Duration) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}

	var last sql.NullTime
	err = tx.QueryRowContext(ctx, "SELECT last_updated FROM probes WHERE custom_id = ?", customID).Scan(&last)
	if err != nil {
		tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}

	restamp := !last.Valid || now.Sub(last.Time) >= minInterval
	if restamp {
		_, err = tx.ExecContext(ctx, "UPDATE probes SET has_been_updated=1, last_updated=? WHERE custom_id=?", now, customID)
	} else {
		_, err = tx.ExecContext(ctx, "UPDATE probes SET has_been_updated=1 WHERE custom_id=?", customID)
	}
	if err != nil {
		tx.Rollback()
		return false, err
	}

	return restamp, tx.Commit()
}

// DeleteProbe deletes a probe and its scripts and network configs (manual cascade)
func (s *Store) DeleteProbe(ctx context.Context, customID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	var id int
	err = tx.QueryRowContext(ctx, "SELECT id FROM probes WHERE custom_id = ?", customID).Scan(&id)
	if err != nil {
		tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	for _, stmt := range []string{
		"DELETE FROM scripts WHERE probe_id=?",
		"DELETE FROM network_configs WHERE probe_id=?",
		"DELETE FROM probes WHERE id=?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// GetScripts retrieves the scripts of a probe
func (s *Store) GetScripts(ctx context.Context, probeID int) ([]models.Script, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, probe_id, description, filename, args, minute_interval, enabled, required
		FROM scripts WHERE probe_id = ? ORDER BY id`, probeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scripts []models.Script
	for rows.Next() {
		var sc models.Script
		var args sql.NullString
		if err := rows.Scan(&sc.ID, &sc.ProbeID, &sc.Description, &sc.Filename, &args, &sc.MinuteInterval, &sc.Enabled, &sc.Required); err != nil {
			return nil, err
		}
		sc.Args = args.String
		scripts = append(scripts, sc)
	}
	return scripts, rows.Err()
}

// ReplaceScripts replaces the scripts of a probe. Required scripts are stored enabled.
func (s *Store) ReplaceScripts(ctx context.Context, probeID int, scripts []models.Script) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM scripts WHERE probe_id=?", probeID); err != nil {
		tx.Rollback()
		return err
	}

	if err := insertScripts(ctx, tx, probeID, scripts); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// GetNetworkConfigs retrieves the network credentials of a probe
func (s *Store) GetNetworkConfigs(ctx context.Context, probeID int) ([]models.NetworkConfig, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, probe_id, name, ssid, anonymous_id, username, password
		FROM network_configs WHERE probe_id = ? ORDER BY name`, probeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []models.NetworkConfig
	for rows.Next() {
		var nc models.NetworkConfig
		var ssid, anon, user, pass sql.NullString
		if err := rows.Scan(&nc.ID, &nc.ProbeID, &nc.Name, &ssid, &anon, &user, &pass); err != nil {
			return nil, err
		}
		nc.SSID, nc.AnonymousID, nc.Username, nc.Password = ssid.String, anon.String, user.String, pass.String
		configs = append(configs, nc)
	}
	return configs, rows.Err()
}

// SaveNetworkConfig inserts or replaces the credentials for one band of a probe
func (s *Store) SaveNetworkConfig(ctx context.Context, nc models.NetworkConfig) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO network_configs (probe_id, name, ssid, anonymous_id, username, password)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(probe_id, name) DO UPDATE SET
			ssid=excluded.ssid, anonymous_id=excluded.anonymous_id,
			username=excluded.username, password=excluded.password`,
		nc.ProbeID, nc.Name, nc.SSID, nc.AnonymousID, nc.Username, nc.Password)
	return err
}

// GetDatabaseConfigs retrieves the database credentials of a user
func (s *Store) GetDatabaseConfigs(ctx context.Context, userID int) ([]models.DatabaseConfig, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, user_id, type, db_name, address, port, username, password, token
		FROM databases WHERE user_id = ? ORDER BY type`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []models.DatabaseConfig
	for rows.Next() {
		var dc models.DatabaseConfig
		var name, addr, port, user, pass, token sql.NullString
		if err := rows.Scan(&dc.ID, &dc.UserID, &dc.Type, &name, &addr, &port, &user, &pass, &token); err != nil {
			return nil, err
		}
		dc.DBName, dc.Address, dc.Port = name.String, addr.String, port.String
		dc.Username, dc.Password, dc.Token = user.String, pass.String, token.String
		configs = append(configs, dc)
	}
	return configs, rows.Err()
}

// SaveDatabaseConfig inserts or replaces a user's credentials for one database type
func (s *Store) SaveDatabaseConfig(ctx context.Context, dc models.DatabaseConfig) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO databases (user_id, type, db_name, address, port, username, password, token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, type) DO UPDATE SET
			db_name=excluded.db_name, address=excluded.address, port=excluded.port,
			username=excluded.username, password=excluded.password, token=excluded.token`,
		dc.UserID, dc.Type, dc.DBName, dc.Address, dc.Port, dc.Username, dc.Password, dc.Token)
	return err
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

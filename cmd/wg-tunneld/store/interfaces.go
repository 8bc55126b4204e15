package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"wg-tunneld/models"
)

const interfaceColumns = `id, name, listen_port, address, dns, mtu, endpoint, private_key, public_key,
	status, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInterface(row rowScanner) (*models.Interface, error) {
	var (
		it                   models.Interface
		dns, priv, pub       string
		status               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&it.ID, &it.Name, &it.ListenPort, &it.Address, &dns, &it.MTU, &it.Endpoint,
		&priv, &pub, &status, &it.ErrorMessage, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if it.PrivateKey, err = parseStoredKey(priv); err != nil {
		return nil, fmt.Errorf("interface %s private key: %w", it.ID, err)
	}
	if it.PublicKey, err = parseStoredKey(pub); err != nil {
		return nil, fmt.Errorf("interface %s public key: %w", it.ID, err)
	}
	it.DNS = splitList(dns)
	it.Status = models.InterfaceStatus(status)
	it.CreatedAt = fromUnixNano(createdAt)
	it.UpdatedAt = fromUnixNano(updatedAt)
	return &it, nil
}

func getInterface(ctx context.Context, q querier, id string) (*models.Interface, error) {
	row := q.QueryRowContext(ctx, `SELECT `+interfaceColumns+` FROM interfaces WHERE id = ?`, id)
	it, err := scanInterface(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "interface", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get interface: %w", err)
	}
	return it, nil
}

// checkInterfaceConflicts reports a ConflictError when name or port is used
// by an interface other than exceptID.
func checkInterfaceConflicts(ctx context.Context, q querier, name string, port int, exceptID string) error {
	var n int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interfaces WHERE name = ? AND id <> ?`, name, exceptID).Scan(&n); err != nil {
		return fmt.Errorf("checking name: %w", err)
	}
	if n > 0 {
		return &models.ConflictError{Resource: "interface name", Value: name}
	}
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interfaces WHERE listen_port = ? AND id <> ?`, port, exceptID).Scan(&n); err != nil {
		return fmt.Errorf("checking listen port: %w", err)
	}
	if n > 0 {
		return &models.ConflictError{Resource: "listen port", Value: strconv.Itoa(port)}
	}
	return nil
}

// CreateInterface inserts it after checking name and port uniqueness.
func (s *Store) CreateInterface(ctx context.Context, it *models.Interface) error {
	now := time.Now().UTC()
	it.CreatedAt, it.UpdatedAt = now, now

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := checkInterfaceConflicts(ctx, tx, it.Name, it.ListenPort, it.ID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO interfaces (`+interfaceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			it.ID, it.Name, it.ListenPort, it.Address, joinList(it.DNS), it.MTU, it.Endpoint,
			keyString(it.PrivateKey), keyString(it.PublicKey), string(it.Status), it.ErrorMessage,
			unixNano(it.CreatedAt), unixNano(it.UpdatedAt))
		if isUniqueError(err) {
			return &models.ConflictError{Resource: "interface", Value: it.Name}
		}
		if err != nil {
			return fmt.Errorf("insert interface: %w", err)
		}
		return nil
	})
}

func (s *Store) GetInterface(ctx context.Context, id string) (*models.Interface, error) {
	return getInterface(ctx, s.db, id)
}

func (s *Store) ListInterfaces(ctx context.Context) ([]*models.Interface, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+interfaceColumns+` FROM interfaces ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query interfaces: %w", err)
	}
	defer rows.Close()

	var list []*models.Interface
	for rows.Next() {
		it, err := scanInterface(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interface: %w", err)
		}
		list = append(list, it)
	}
	return list, rows.Err()
}

// UpdateInterface loads the interface, applies mutate and writes the result
// back in one transaction. Name and port stay unique.
func (s *Store) UpdateInterface(ctx context.Context, id string, mutate func(it *models.Interface) error) (*models.Interface, error) {
	var out *models.Interface
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		it, err := getInterface(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := mutate(it); err != nil {
			return err
		}
		if err := checkInterfaceConflicts(ctx, tx, it.Name, it.ListenPort, it.ID); err != nil {
			return err
		}
		it.UpdatedAt = time.Now().UTC()
		_, err = tx.ExecContext(ctx, `UPDATE interfaces SET listen_port = ?, address = ?, dns = ?, mtu = ?,
			endpoint = ?, status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
			it.ListenPort, it.Address, joinList(it.DNS), it.MTU, it.Endpoint,
			string(it.Status), it.ErrorMessage, unixNano(it.UpdatedAt), it.ID)
		if isUniqueError(err) {
			return &models.ConflictError{Resource: "listen port", Value: strconv.Itoa(it.ListenPort)}
		}
		if err != nil {
			return fmt.Errorf("update interface: %w", err)
		}
		out = it
		return nil
	})
	return out, err
}

// SetInterfaceStatus records a lifecycle transition. The message is kept only
// for the error state.
func (s *Store) SetInterfaceStatus(ctx context.Context, id string, status models.InterfaceStatus, message string) error {
	if status != models.StatusError {
		message = ""
	}
	res, err := s.db.ExecContext(ctx, `UPDATE interfaces SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), message, unixNano(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set interface status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &models.NotFoundError{Resource: "interface", ID: id}
	}
	return nil
}

// DeleteInterface removes the interface and, through the foreign key, its
// peers. check runs inside the transaction against the current row.
func (s *Store) DeleteInterface(ctx context.Context, id string, check func(it *models.Interface) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		it, err := getInterface(ctx, tx, id)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(it); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM interfaces WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete interface: %w", err)
		}
		return nil
	})
}

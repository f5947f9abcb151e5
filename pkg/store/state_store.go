// mtsync - An MTProto-style update synchronization engine.
// Copyright (C) 2025 mtsync contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"

	"github.com/QRpeachKZ/mtsync/pkg/updates"
)

// StateStore is a wrapper around a database that implements
// [updates.StateStorage] scoped to a specific account ID.
type StateStore struct {
	db        *dbutil.Database
	accountID int64
}

const (
	getStateQuery = "SELECT pts, qts, date, seq FROM mtsync_account_state WHERE account_id=$1"
	setStateQuery = `
		INSERT INTO mtsync_account_state (account_id, pts, qts, date, seq)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE SET
			pts=excluded.pts,
			qts=excluded.qts,
			date=excluded.date,
			seq=excluded.seq
	`
	setPtsQuery     = "UPDATE mtsync_account_state SET pts=$1 WHERE account_id=$2"
	setQtsQuery     = "UPDATE mtsync_account_state SET qts=$1 WHERE account_id=$2"
	setDateQuery    = "UPDATE mtsync_account_state SET date=$1 WHERE account_id=$2"
	setSeqQuery     = "UPDATE mtsync_account_state SET seq=$1 WHERE account_id=$2"
	setDateSeqQuery = "UPDATE mtsync_account_state SET date=$1, seq=$2 WHERE account_id=$3"
)

var _ updates.StateStorage = (*StateStore)(nil)

func (s *StateStore) GetState(ctx context.Context, accountID int64) (state updates.State, found bool, err error) {
	s.assertAccountIDMatches(accountID)
	err = s.db.QueryRow(ctx, getStateQuery, accountID).Scan(&state.Pts, &state.Qts, &state.Date, &state.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return state, false, nil
	}
	return state, err == nil, err
}

func (s *StateStore) SetState(ctx context.Context, accountID int64, state updates.State) (err error) {
	s.assertAccountIDMatches(accountID)
	_, err = s.db.Exec(ctx, setStateQuery, accountID, state.Pts, state.Qts, state.Date, state.Seq)
	return
}

func (s *StateStore) SetPts(ctx context.Context, accountID int64, pts int) (err error) {
	s.assertAccountIDMatches(accountID)
	_, err = s.db.Exec(ctx, setPtsQuery, pts, accountID)
	return
}

func (s *StateStore) SetQts(ctx context.Context, accountID int64, qts int) (err error) {
	s.assertAccountIDMatches(accountID)
	_, err = s.db.Exec(ctx, setQtsQuery, qts, accountID)
	return
}

func (s *StateStore) SetDate(ctx context.Context, accountID int64, date int) (err error) {
	s.assertAccountIDMatches(accountID)
	_, err = s.db.Exec(ctx, setDateQuery, date, accountID)
	return
}

func (s *StateStore) SetSeq(ctx context.Context, accountID int64, seq int) (err error) {
	s.assertAccountIDMatches(accountID)
	_, err = s.db.Exec(ctx, setSeqQuery, seq, accountID)
	return
}

func (s *StateStore) SetDateSeq(ctx context.Context, accountID int64, date int, seq int) (err error) {
	s.assertAccountIDMatches(accountID)
	_, err = s.db.Exec(ctx, setDateSeqQuery, date, seq, accountID)
	return
}

func (s *StateStore) assertAccountIDMatches(accountID int64) {
	if s.accountID != accountID {
		panic(fmt.Sprintf("scoped store for %d function called with account ID %d", s.accountID, accountID))
	}
}

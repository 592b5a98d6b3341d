// Copyright 2016 Symantec, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package db

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	daodb "github.com/Symantec/dao-control/internal/db"
)

// WithTestDatabase opens a throwaway sqlite database with the inventory
// schema applied. The file lives in the test's temp dir and is removed with
// it.
func WithTestDatabase(t testing.TB) (*sql.DB, error) {
	f, err := os.CreateTemp(t.TempDir(), t.Name()+".db")
	if err != nil {
		return nil, err
	}

	if err = f.Close(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", f.Name())
	if err != nil {
		return nil, err
	}

	if err := daodb.EnsureSchema(context.Background(), db); err != nil {
		return nil, err
	}

	return db, nil
}

package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/examkeeper/internal/dbx"
	"github.com/dmitrijs2005/examkeeper/internal/server/repositories/evaluations"
	"github.com/dmitrijs2005/examkeeper/internal/server/repositories/notifications"
	"github.com/dmitrijs2005/examkeeper/internal/server/repositories/tests"
	"github.com/dmitrijs2005/examkeeper/internal/server/repositories/users"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	Tests(db dbx.DBTX) tests.Repository
	Evaluations(db dbx.DBTX) evaluations.Repository
	Notifications(db dbx.DBTX) notifications.Repository
}

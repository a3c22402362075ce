package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/meterledger/pkg/db/option"
	"github.com/smallbiznis/meterledger/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type widget struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Owner     string       `gorm:"type:text;not null;uniqueIndex:ux_widgets_owner_name,priority:1"`
	Name      string       `gorm:"type:text;not null;uniqueIndex:ux_widgets_owner_name,priority:2"`
	Status    string       `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func setup(t *testing.T) (Repository[widget], *snowflake.Node) {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, conn.AutoMigrate(&widget{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return ProvideStore[widget](conn), node
}

func TestCreateReportsDuplicates(t *testing.T) {
	repo, node := setup(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &widget{ID: node.Generate(), Owner: "alice", Name: "a", Status: "pending"}))
	err := repo.Create(ctx, &widget{ID: node.Generate(), Owner: "alice", Name: "a", Status: "pending"})
	assert.True(t, errors.Is(err, errs.ErrAlreadyExists))
}

func TestGetAndFindOne(t *testing.T) {
	repo, node := setup(t)
	ctx := context.Background()

	w := &widget{ID: node.Generate(), Owner: "alice", Name: "a", Status: "pending"}
	require.NoError(t, repo.Create(ctx, w))

	got, err := repo.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)

	_, err = repo.Get(ctx, node.Generate())
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	missing, err := repo.FindOne(ctx, &widget{Owner: "bob"})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestConditionalUpdate(t *testing.T) {
	repo, node := setup(t)
	ctx := context.Background()

	w := &widget{ID: node.Generate(), Owner: "alice", Name: "a", Status: "pending"}
	require.NoError(t, repo.Create(ctx, w))

	n, err := repo.Update(ctx, w.ID, map[string]any{"status": "done"}, option.Where("status = ?", "pending"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.Update(ctx, w.ID, map[string]any{"status": "done"}, option.Where("status = ?", "pending"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = repo.UpdateWhere(ctx, map[string]any{"status": "x"})
	assert.True(t, errors.Is(err, ErrUnboundedUpdate))
}

func TestFindWithOptions(t *testing.T) {
	repo, node := setup(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Create(ctx, &widget{ID: node.Generate(), Owner: "alice", Name: name, Status: "pending"}))
	}

	rows, err := repo.Find(ctx, &widget{Owner: "alice"}, option.WithOrder("id", true), option.WithLimit(2))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c", rows[0].Name)

	count, err := repo.Count(ctx, &widget{Owner: "alice"}, option.Where("name <> ?", "a"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestWithTrxRollsBack(t *testing.T) {
	repo, node := setup(t)
	ctx := context.Background()
	s := repo.(*store[widget])

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := repo.WithTrx(tx).Create(ctx, &widget{ID: node.Generate(), Owner: "alice", Name: "a", Status: "pending"}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	count, err := repo.Count(ctx, &widget{})
	require.NoError(t, err)
	assert.Zero(t, count)
}

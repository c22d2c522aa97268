package conflict

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/model"
)

func items() *model.TableSchema {
	return &model.TableSchema{
		Name: "items",
		Columns: []model.ColumnSchema{
			{Name: "id", Type: model.TypeInt64},
			{Name: "name", Type: model.TypeString, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
}

func ptr(v int64) *int64 { return &v }

func TestClassify(t *testing.T) {
	row := model.Row{int64(1), "x"}
	tests := []struct {
		name  string
		state model.RowState
		local model.Row
		guard *int64
		want  Type
	}{
		{"both inserted, never synced", model.StateModified, row, nil, RemoteInsertLocalInsert},
		{"updated existing row", model.StateModified, row, ptr(5), RemoteUpdateLocalUpdate},
		{"local tombstone", model.StateModified, nil, ptr(5), RemoteUpdateLocalNoRow},
		{"local tombstone, never synced", model.StateModified, nil, nil, RemoteUpdateLocalNoRow},
		{"remote delete vs local update", model.StateDeleted, row, ptr(5), RemoteDeleteLocalUpdate},
		{"both deleted", model.StateDeleted, nil, ptr(5), RemoteDeleteLocalNoRow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.state, tt.local, tt.guard))
		})
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{
		"":            ServerWins,
		"ServerWins":  ServerWins,
		"client_wins": ClientWins,
		"MergeRow":    MergeRow,
		"rollback":    Rollback,
		" Continue ":  Continue,
	} {
		got, err := ParsePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePolicy("last-writer")
	assert.Error(t, err)
}

func TestResolve_RoleRelativePolicies(t *testing.T) {
	c := &Conflict{
		Table:  items(),
		Type:   RemoteUpdateLocalUpdate,
		Key:    model.Row{int64(1)},
		Local:  model.Row{int64(1), "local"},
		Remote: model.Row{int64(1), "remote"},
	}
	tests := []struct {
		policy Policy
		role   Role
		want   Action
	}{
		{ServerWins, RoleServer, KeepLocal},
		{ServerWins, RoleClient, ApplyRemote},
		{ClientWins, RoleServer, ApplyRemote},
		{ClientWins, RoleClient, KeepLocal},
		{Rollback, RoleServer, Abort},
		{Continue, RoleClient, Skip},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy)+"/"+string(tt.role), func(t *testing.T) {
			res, err := Resolver{Policy: tt.policy}.Resolve(c, tt.role)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Action)
			if tt.want == ApplyRemote {
				assert.Equal(t, c.Remote, res.Row)
			}
		})
	}
}

func TestResolve_RemoteDeleteAppliesNilRow(t *testing.T) {
	c := &Conflict{Table: items(), Type: RemoteDeleteLocalUpdate, Key: model.Row{int64(1)}, Local: model.Row{int64(1), "x"}}
	res, err := Resolver{Policy: ServerWins}.Resolve(c, RoleClient)
	require.NoError(t, err)
	assert.Equal(t, ApplyRemote, res.Action)
	assert.Nil(t, res.Row)
}

func TestResolve_MergeIsDeterministic(t *testing.T) {
	merge := func(c *Conflict) (model.Row, error) {
		l, r := c.Local[1].(string), c.Remote[1].(string)
		if r < l {
			l, r = r, l
		}
		return model.Row{c.Key[0], l + "+" + r}, nil
	}
	resolver := Resolver{Policy: MergeRow, Merge: merge}
	c := &Conflict{
		Table:  items(),
		Type:   RemoteUpdateLocalUpdate,
		Key:    model.Row{int64(7)},
		Local:  model.Row{int64(7), "b"},
		Remote: model.Row{int64(7), "a"},
	}

	first, err := resolver.Resolve(c, RoleServer)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := resolver.Resolve(c, RoleServer)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, ApplyMerged, first.Action)
	assert.Equal(t, model.Row{int64(7), "a+b"}, first.Row)
}

func TestResolve_MergeErrors(t *testing.T) {
	c := &Conflict{Table: items(), Key: model.Row{int64(1)}}

	_, err := Resolver{Policy: MergeRow}.Resolve(c, RoleClient)
	assert.Error(t, err)

	boom := errors.New("boom")
	_, err = Resolver{Policy: MergeRow, Merge: func(*Conflict) (model.Row, error) { return nil, boom }}.Resolve(c, RoleClient)
	assert.ErrorIs(t, err, boom)

	_, err = Resolver{Policy: "coin-flip"}.Resolve(c, RoleClient)
	assert.Error(t, err)
}

func TestTypeAndActionStrings(t *testing.T) {
	assert.Equal(t, "RemoteDelete/LocalUpdate", RemoteDeleteLocalUpdate.String())
	assert.Equal(t, "keep-local", KeepLocal.String())
	assert.Equal(t, "Type(42)", Type(42).String())
}

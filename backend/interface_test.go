package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskAccessors(t *testing.T) {
	task := Task{"id": "i1", "name": "Fix login", "sequence_id": float64(42), "priority": 3}

	assert.Equal(t, "i1", task.ID())
	assert.Equal(t, "Fix login", task.Name())
	assert.Equal(t, 42, task.SequenceID())
	assert.Equal(t, "", task.Str("priority"))
	assert.Equal(t, "", Task{}.Name())
}

func TestFindProject(t *testing.T) {
	projects := []Project{
		{ID: "p1", Identifier: "MOBILE", Name: "Mobile App"},
		{ID: "p2", Identifier: "WEB", Name: "mobile"},
	}

	tests := []struct {
		query string
		want  string
	}{
		{"mobile", "p1"},
		{"MOBILE", "p1"},
		{"web", "p2"},
		{"Mobile App", "p1"},
		{"p2", "p2"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := FindProject(projects, tt.query)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}

	assert.Nil(t, FindProject(projects, "nope"))
}

func TestFindMemberPrefersExactMatch(t *testing.T) {
	members := []Member{
		{ID: "u1", Email: "anna.smith@example.com", DisplayName: "annas"},
		{ID: "u2", Email: "ann@example.com", DisplayName: "ann"},
	}

	m := FindMember(members, "ann")
	require.NotNil(t, m)
	assert.Equal(t, "u2", m.ID)

	m = FindMember(members, "SMITH")
	require.NotNil(t, m)
	assert.Equal(t, "u1", m.ID)

	assert.Nil(t, FindMember(members, "zed"))
	assert.Nil(t, FindMember(members, ""))
}

func TestMemberLabels(t *testing.T) {
	assert.Equal(t, "Jo Doe", Member{FirstName: "Jo", LastName: "Doe"}.DisplayLabel())
	assert.Equal(t, "jdoe", Member{DisplayName: "jdoe", FirstName: "Jo"}.DisplayLabel())
	assert.Equal(t, "u9", Member{ID: "u9"}.DisplayLabel())
	assert.Equal(t, "Web (WEB)", Project{Name: "Web", Identifier: "WEB"}.Label())
}

package fetchq

import (
	"testing"

	"github.com/UniQw/fetchq/internal/task"
	"github.com/stretchr/testify/require"
)

func TestOptions_Tag(t *testing.T) {
	o := buildOptions(nil)
	require.Empty(t, o.tag)

	o = buildOptions([]Option{Tag("first"), Tag("second")})
	require.Equal(t, "second", o.tag, "last Tag wins")
}

func TestNewTask_AppliesTag(t *testing.T) {
	tk := newTask([]string{"http://x/a"}, false, nil, []Option{Tag("avatar")})
	require.Equal(t, "avatar", tk.Tag())
	require.False(t, tk.Compound())

	// no tag keeps the generated one
	tk = newTask([]string{"http://x/a", "http://x/b"}, true, nil, nil)
	require.NotEmpty(t, tk.Tag())
	require.True(t, tk.Compound())
	require.Equal(t, 2, tk.Len())
}

func TestTaskInfo_Filters(t *testing.T) {
	tk := task.NewCompound([]string{"http://cdn/a.png", "http://cdn/b.png"}, nil)
	tk.SetTag("gallery")
	tk.Next()
	ti := newTaskInfo(tk, StateActive, 2)

	require.Equal(t, "gallery", ti.Tag)
	require.True(t, ti.Batch)
	require.Equal(t, 1, ti.Cursor)
	require.Equal(t, 2, ti.Worker)

	require.True(t, ByTag("gallery")(ti))
	require.False(t, ByTag("other")(ti))
	require.True(t, ByURL("b.png")(ti))
	require.False(t, ByURL("c.png")(ti))
}

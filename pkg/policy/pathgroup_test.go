package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"":            "/",
		"/":           "/",
		"a/b":         "/a/b",
		"/a/b/":       "/a/b",
		"/a/./b/../c": "/a/c",
		"//a//b":      "/a/b",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), "Normalize(%q)", in)
	}
}

func TestIsUnder(t *testing.T) {
	tests := []struct {
		path, prefix string
		want         bool
	}{
		{"/skfs", "/skfs", true},
		{"/skfs/a", "/skfs", true},
		{"/skfsx", "/skfs", false},
		{"/other", "/skfs", false},
		{"/anything", "/", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsUnder(tt.path, tt.prefix), "IsUnder(%q, %q)", tt.path, tt.prefix)
	}
}

func TestPathGroup_Matches(t *testing.T) {
	g := NewPathGroup("test", "/data/b", "/data/a", "/tools/", " ", "/data/a")

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []string{"/data/a", "/data/b", "/tools"}, g.Paths())

	assert.True(t, g.Matches("/data/a"))
	assert.True(t, g.Matches("/data/a/x/y"))
	assert.True(t, g.Matches("/tools/bin/ls"))
	assert.True(t, g.Matches("/data/b/"))
	assert.False(t, g.Matches("/data/ab"))
	assert.False(t, g.Matches("/data"))
	assert.False(t, g.Matches("/"))
}

func TestPathGroup_NilMatchesNothing(t *testing.T) {
	var g *PathGroup
	assert.False(t, g.Matches("/x"))
	assert.Equal(t, 0, g.Len())
	assert.Nil(t, g.Paths())
}

func TestParsePathGroup(t *testing.T) {
	def := `# native-only rules
/a/b, /c
/d:/e   # trailing comment
	/f
`
	g := ParsePathGroup("native", def)

	assert.Equal(t, "native", g.Name())
	assert.Equal(t, []string{"/a/b", "/c", "/d", "/e", "/f"}, g.Paths())
}

func TestSuffixGroup(t *testing.T) {
	g := NewSuffixGroup(".so", ".jar", "")

	assert.Equal(t, 2, g.Len())
	assert.True(t, g.Matches("/lib/libc.so"))
	assert.True(t, g.Matches("/a/b.jar"))
	assert.False(t, g.Matches("/a/b.jar.tmp"))

	var none *SuffixGroup
	assert.False(t, none.Matches("/a.so"))
}

package review

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDiff = `diff --git a/a.py b/a.py
index e69de29..4b825dc 100644
--- a/a.py
+++ b/a.py
@@ -0,0 +1 @@
+def f(): pass
`

func TestDiffLines_SingleAddedLine(t *testing.T) {
	lines := DiffLines(sampleDiff)
	assert.Equal(t, map[int]bool{1: true}, lines)
}

func TestDiffLines_MixedHunk(t *testing.T) {
	diff := `--- a/main.go
+++ b/main.go
@@ -10,6 +10,7 @@ func main() {
 	a := 1
-	b := 2
+	b := 3
+	c := 4
 	fmt.Println(a, b)
 	return
`
	lines := DiffLines(diff)

	// Context line 10, changed line 11, added line 12, context 13-14.
	for _, want := range []int{10, 11, 12, 13, 14} {
		assert.True(t, lines[want], "line %d should be valid", want)
	}
	assert.False(t, lines[15])
	assert.False(t, lines[9])
}

func TestDiffLines_MultipleHunks(t *testing.T) {
	diff := `@@ -1,2 +1,2 @@
-old
+new
 keep
@@ -100,2 +200,3 @@
 ctx
+added
 ctx2
`
	lines := DiffLines(diff)
	assert.True(t, lines[1])
	assert.True(t, lines[2])
	assert.True(t, lines[200])
	assert.True(t, lines[201])
	assert.True(t, lines[202])
	assert.False(t, lines[100])
}

func TestDiffLines_NoNewlineMarker(t *testing.T) {
	diff := "@@ -1 +1 @@\n-old\n+new\n\\ No newline at end of file\n"
	lines := DiffLines(diff)
	assert.Equal(t, map[int]bool{1: true}, lines)
}

func TestComputeValidLines(t *testing.T) {
	files := []FileInfo{
		{Path: "a.py", Diff: sampleDiff, IsModified: true},
		{Path: "gone.py", Diff: sampleDiff, IsDeleted: true},
		{Path: "nodiff.py", Content: "x = 1\n"},
	}

	valid := ComputeValidLines(files)

	require.True(t, valid.HasFile("a.py"))
	assert.True(t, valid.Contains("a.py", 1))
	assert.False(t, valid.Contains("a.py", 5))
	assert.False(t, valid.HasFile("gone.py"))
	assert.False(t, valid.HasFile("nodiff.py"))
}

func TestValidLines_IsStrictlyFiltering(t *testing.T) {
	valid := ComputeValidLines(nil)
	assert.False(t, valid.Contains("anything", 1))
	assert.False(t, valid.HasFile("anything"))
}

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adammck/dicer/pkg/api"
	"github.com/adammck/dicer/pkg/persister/consul"
	"github.com/adammck/dicer/pkg/policyfile"
	"github.com/adammck/dicer/pkg/registry"
	"github.com/adammck/dicer/pkg/test/fake_kv"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	stdout string
	stderr string
	err    error
}

// run executes the CLI with the given args, in the current directory. If kv
// is nil, anything which needs Consul fails.
func run(kv *fake_kv.KV, stdin string, args ...string) result {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}

	a := &app{
		stdin:  strings.NewReader(stdin),
		stdout: stdout,
		stderr: stderr,
		consulKV: func(addr string) (consul.KV, error) {
			if kv == nil {
				return nil, errors.New("no consul here")
			}
			return kv, nil
		},
	}

	cmd := a.rootCmd()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())

	return result{stdout.String(), stderr.String(), err}
}

func chdir(t *testing.T, dir string) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
}

// setup changes to a temp dir containing myont-idranges.owl, with ranges for
// user1 [0..10000), user2 [10000..30000) and dicer [30000..30005).
func setup(t *testing.T) string {
	dir := t.TempDir()
	chdir(t, dir)

	reg := registry.New("myont")
	for _, r := range []struct {
		owner string
		size  int
	}{{"user1", 10000}, {"user2", 20000}, {"dicer", 5}} {
		_, err := reg.Allocate(r.owner, "", r.size)
		require.NoError(t, err)
	}

	require.NoError(t, policyfile.WriteFile("myont-idranges.owl", reg))
	return dir
}

func readPolicy(t *testing.T, path string) *registry.Registry {
	reg, err := policyfile.ReadFile(path)
	require.NoError(t, err)
	return reg
}

func TestPolicyList(t *testing.T) {
	setup(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "default",
			args: []string{"policy", "myont-idranges.owl", "-l"},
			want: "user1: [0..10000)\nuser2: [10000..30000)\n",
		},
		{
			name: "min size",
			args: []string{"policy", "myont-idranges.owl", "--list", "--min-size", "0"},
			want: "user1: [0..10000)\nuser2: [10000..30000)\ndicer: [30000..30005)\n",
		},
		{
			name: "unallocated",
			args: []string{"policy", "myont-idranges.owl", "-l", "--show-unallocated"},
			want: "user1: [0..10000)\nuser2: [10000..30000)\nUnallocated: [30005..10000000)\n",
		},
		{
			name: "discovered",
			args: []string{"policy", "-l"},
			want: "user1: [0..10000)\nuser2: [10000..30000)\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(nil, "", tt.args...)
			require.NoError(t, res.err)
			assert.Equal(t, tt.want, res.stdout)
		})
	}
}

func TestPolicyListDoesNotWrite(t *testing.T) {
	setup(t)

	before, err := os.Stat("myont-idranges.owl")
	require.NoError(t, err)

	res := run(nil, "", "policy", "myont-idranges.owl", "-l")
	require.NoError(t, res.err)

	after, err := os.Stat("myont-idranges.owl")
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestPolicyAddRange(t *testing.T) {
	setup(t)

	res := run(nil, "", "policy", "myont-idranges.owl", "--add-range", "alice", "--comment", "for Alice", "--log-level", "info")
	require.NoError(t, res.err)
	assert.Contains(t, res.stderr, `allocated range [30005..40005) for user \"alice\"`)

	reg := readPolicy(t, "myont-idranges.owl")
	r, ok := reg.Find("alice")
	require.True(t, ok)
	assert.Equal(t, api.Range{ID: 4, Owner: "alice", Comment: "for Alice", Start: 30005, End: 40005}, r)

	res = run(nil, "", "policy", "myont-idranges.owl", "--add-range", "bob", "--size", "100")
	require.NoError(t, res.err)

	r, ok = readPolicy(t, "myont-idranges.owl").Find("bob")
	require.True(t, ok)
	assert.Equal(t, 100, r.Size())
}

func TestPolicyAddRangeTooBig(t *testing.T) {
	setup(t)

	res := run(nil, "", "policy", "myont-idranges.owl", "--add-range", "alice", "--size", "10000000")
	require.Error(t, res.err)
	assert.EqualError(t, res.err, "cannot allocate range: not enough space for a 10000000-wide range")
	assert.True(t, errors.Is(res.err, api.ErrRangeNotFound))
}

func TestPolicyOutput(t *testing.T) {
	setup(t)

	original, err := os.ReadFile("myont-idranges.owl")
	require.NoError(t, err)

	res := run(nil, "", "policy", "myont-idranges.owl", "--add-range", "alice", "-o", "copy-idranges.owl")
	require.NoError(t, res.err)

	after, err := os.ReadFile("myont-idranges.owl")
	require.NoError(t, err)
	assert.Equal(t, string(original), string(after))

	_, ok := readPolicy(t, "copy-idranges.owl").Find("alice")
	assert.True(t, ok)
}

func TestPolicySave(t *testing.T) {
	setup(t)

	// Reformats a hand-edited file.
	require.NoError(t, os.WriteFile("myont-idranges.owl", []byte(strings.ReplaceAll(
		mustRead(t, "myont-idranges.owl"), "    ", "\t")), 0644))

	res := run(nil, "", "policy", "myont-idranges.owl", "--save")
	require.NoError(t, res.err)
	assert.NotContains(t, mustRead(t, "myont-idranges.owl"), "\t")
}

func mustRead(t *testing.T, path string) string {
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestPolicyInit(t *testing.T) {
	chdir(t, t.TempDir())

	res := run(nil, "", "policy", "--init", "foo", "foo-idranges.owl", "--add-range", "alice", "--size", "50")
	require.NoError(t, res.err)

	reg := readPolicy(t, "foo-idranges.owl")
	assert.Equal(t, "http://purl.obolibrary.org/obo/foo", reg.Name())
	assert.Equal(t, "http://purl.obolibrary.org/obo/FOO_%07d", reg.Format())
	assert.Equal(t, []api.Range{{ID: 1, Owner: "alice", Start: 0, End: 50}}, reg.RangesByID())

	res = run(nil, "", "policy", "--init", "foo")
	assert.EqualError(t, res.err, "--init needs a FILE or --consul-key")
}

func TestPolicyInitExisting(t *testing.T) {
	setup(t)
	before := mustRead(t, "myont-idranges.owl")

	for _, args := range [][]string{
		{"policy", "--init", "myont", "myont-idranges.owl"},
		{"policy", "--init", "myont", "myont-idranges.owl", "--add-range", "alice"},
		{"policy", "--init", "other", "new-idranges.owl", "-o", "myont-idranges.owl"},
	} {
		res := run(nil, "", args...)
		require.Error(t, res.err, "args=%v", args)
		assert.True(t, errors.Is(res.err, os.ErrExist), "args=%v", args)
		assert.EqualError(t, res.err, "cannot create policy: file already exists: myont-idranges.owl")
	}

	assert.Equal(t, before, mustRead(t, "myont-idranges.owl"))
	assert.Equal(t, 3, readPolicy(t, "myont-idranges.owl").Len())

	_, err := os.Stat("new-idranges.owl")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestPolicyErrors(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	res := run(nil, "", "policy", "-l")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "no ID policy file found")

	require.NoError(t, os.WriteFile("bad-idranges.owl", []byte("Ontology: <http://example.org/bad.owl>\n"), 0644))
	res = run(nil, "", "policy", "bad-idranges.owl", "-l")
	require.Error(t, res.err)
	assert.True(t, errors.Is(res.err, policyfile.ErrInvalidPolicy))

	res = run(nil, "", "policy", "a", "b")
	assert.Error(t, res.err)
}

func TestPolicyConsul(t *testing.T) {
	chdir(t, t.TempDir())
	kv := fake_kv.New()

	res := run(kv, "", "policy", "--consul-key", "dicer/foo", "--init", "foo")
	require.NoError(t, res.err)

	res = run(kv, "", "policy", "--consul-key", "dicer/foo", "--add-range", "alice", "--size", "100")
	require.NoError(t, res.err)

	res = run(kv, "", "policy", "--consul-key", "dicer/foo", "--add-range", "bob", "--size", "100", "-l")
	require.NoError(t, res.err)
	assert.Equal(t, "alice: [0..100)\nbob: [100..200)\n", res.stdout)

	assert.Equal(t, []string{"dicer/foo/meta", "dicer/foo/ranges/1", "dicer/foo/ranges/2"}, kv.Keys())

	// Export to a file.
	res = run(kv, "", "policy", "--consul-key", "dicer/foo", "-o", "foo-idranges.owl")
	require.NoError(t, res.err)
	assert.Equal(t, 2, readPolicy(t, "foo-idranges.owl").Len())

	// Can't init twice.
	res = run(kv, "", "policy", "--consul-key", "dicer/foo", "--init", "foo")
	assert.Error(t, res.err)
}

func TestPolicyConsulFromConfig(t *testing.T) {
	chdir(t, t.TempDir())
	kv := fake_kv.New()

	require.NoError(t, os.WriteFile(".dicer.yaml", []byte("consul:\n  key: dicer/bar\n"), 0644))

	res := run(kv, "", "policy", "--init", "bar", "--add-range", "dicer", "--size", "10")
	require.NoError(t, res.err)
	assert.Equal(t, []string{"dicer/bar/meta", "dicer/bar/ranges/1"}, kv.Keys())

	res = run(kv, "", "mint", "-n", "2")
	require.NoError(t, res.err)
	assert.Equal(t, "http://purl.obolibrary.org/obo/BAR_0000000\nhttp://purl.obolibrary.org/obo/BAR_0000001\n", res.stdout)

	res = run(nil, "", "policy", "-l")
	assert.EqualError(t, res.err, "cannot read policy file: no consul here")
}

const table = "#a comment\nid\tlabel\n\tfoo\nMYONT:0000099\tbar\n\tbaz\n"

func TestTSVFromPolicy(t *testing.T) {
	setup(t)

	res := run(nil, table, "tsv", "-")
	require.NoError(t, res.err)

	want := "#a comment\nid\tlabel\n" +
		"http://purl.obolibrary.org/obo/MYONT_0030000\tfoo\n" +
		"http://purl.obolibrary.org/obo/MYONT_0030001\tbar\n" +
		"http://purl.obolibrary.org/obo/MYONT_0030002\tbaz\n"

	if diff := cmp.Diff(want, res.stdout); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}
}

func TestTSVOptions(t *testing.T) {
	setup(t)
	require.NoError(t, os.WriteFile("input.tsv", []byte(table), 0644))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "named range, short, preserve",
			args: []string{"-P", "myont-idranges.owl", "-r", "user2", "-s", "--no-overwrite"},
			want: "#a comment\nid\tlabel\nMYONT:0010000\tfoo\nMYONT:0000099\tbar\nMYONT:0010001\tbaz\n",
		},
		{
			name: "prefix",
			args: []string{"-p", "X_", "-m", "5", "-w", "3", "-c", "1"},
			want: "#a comment\nid\tlabel\nX_005\tfoo\nX_006\tbar\nX_007\tbaz\n",
		},
		{
			name: "other column, other separator",
			args: []string{"-p", "X:", "-m", "1", "-w", "1", "-c", "label", "--output-sep", "COMMA"},
			want: "#a comment\nid,label\n,X:1\nMYONT:0000099,X:2\n,X:3\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(nil, "", append([]string{"tsv", "input.tsv"}, tt.args...)...)
			require.NoError(t, res.err)

			if diff := cmp.Diff(tt.want, res.stdout); diff != "" {
				t.Errorf("unexpected output (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTSVOntology(t *testing.T) {
	setup(t)

	require.NoError(t, os.WriteFile("myont.obo", []byte("[Term]\nid: MYONT:0030000\n\n[Term]\nid: MYONT:0030002\n"), 0644))

	res := run(nil, "id\tlabel\n\ta\n\tb\n", "tsv", "-", "--ontology", "myont.obo", "-s")
	require.NoError(t, res.err)
	assert.Equal(t, "id\tlabel\nMYONT:0030001\ta\nMYONT:0030003\tb\n", res.stdout)
}

func TestTSVOutputFile(t *testing.T) {
	setup(t)

	res := run(nil, "id,label\n,foo\n", "tsv", "-", "-o", "out.csv", "-s")
	require.NoError(t, res.err)
	assert.Equal(t, "", res.stdout)
	assert.Equal(t, "id,label\nMYONT:0030000,foo\n", mustRead(t, "out.csv"))
}

func TestTSVErrors(t *testing.T) {
	setup(t)

	tests := []struct {
		name  string
		stdin string
		args  []string
		err   string
	}{
		{
			name: "bad column",
			args: []string{"-c", "nope"},
			err:  "invalid column name or index: nope",
		},
		{
			name: "column out of range",
			args: []string{"-c", "3"},
			err:  "invalid column name or index: 3",
		},
		{
			name: "prefix without min",
			args: []string{"-p", "X_"},
			err:  "missing --min-id option, required with --prefix",
		},
		{
			name: "missing range",
			args: []string{"-r", "nobody"},
			err:  "cannot use ID policy: no range 'nobody' found in ID policy",
		},
		{
			name:  "exhausted",
			stdin: "id\tlabel\n" + strings.Repeat("\tx\n", 6),
			args:  []string{},
			err:   "cannot generate ID: no available ID in range",
		},
		{
			name: "bad separator",
			args: []string{"--input-sep", "PIPE"},
			err:  "invalid separator: PIPE (expected TAB, COMMA, COLON, SEMICOLON or AUTO)",
		},
		{
			name: "missing ontology",
			args: []string{"--ontology", "nope.owl"},
			err:  "cannot read ontology nope.owl: open nope.owl: no such file or directory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdin := tt.stdin
			if stdin == "" {
				stdin = table
			}

			res := run(nil, stdin, append([]string{"tsv", "-"}, tt.args...)...)
			require.Error(t, res.err)
			assert.EqualError(t, res.err, tt.err)
			assert.Equal(t, "", res.stdout)
		})
	}

	res := run(nil, "", "tsv", filepath.Join(t.TempDir(), "missing.tsv"))
	require.Error(t, res.err)
	assert.True(t, errors.Is(res.err, os.ErrNotExist))
}

func TestMint(t *testing.T) {
	setup(t)

	res := run(nil, "", "mint", "-r", "user1", "-n", "3", "--shorten-id")
	require.NoError(t, res.err)
	assert.Equal(t, "MYONT:0000000\nMYONT:0000001\nMYONT:0000002\n", res.stdout)

	res = run(nil, "", "mint", "-r", "user2", "-n", "50", "--random", "--seed", "7")
	require.NoError(t, res.err)

	ids := strings.Fields(res.stdout)
	require.Len(t, ids, 50)

	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate: %s", id)
		seen[id] = true

		assert.True(t, id >= "http://purl.obolibrary.org/obo/MYONT_0010000", id)
		assert.True(t, id < "http://purl.obolibrary.org/obo/MYONT_0030000", id)
	}

	// Same seed, same IDs.
	again := run(nil, "", "mint", "-r", "user2", "-n", "50", "--random", "--seed", "7")
	require.NoError(t, again.err)
	assert.Equal(t, res.stdout, again.stdout)

	res = run(nil, "", "mint", "-n", "0")
	assert.EqualError(t, res.err, "invalid count: 0")
}

package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCondition_Evaluate(t *testing.T) {
	t.Parallel()

	tagRun := Context{Tag: "v2.11.1"}
	branchRun := Context{Branch: "master"}
	prRun := Context{Branch: "feature/wheels", PullRequest: "123"}

	tests := []struct {
		name string
		expr string
		ctx  Context
		want bool
	}{
		{"any tag matches on tag run", "tag =~ '.*'", tagRun, true},
		{"any tag does not match on branch run", "tag =~ '.*'", branchRun, false},
		{"any tag does not match on pr run", "tag =~ '.*'", prRun, false},
		{"tag prefix match", "tag =~ '^v2\\.'", tagRun, true},
		{"tag prefix mismatch", "tag =~ '^v3\\.'", tagRun, false},
		{"branch equality", "branch = 'master'", branchRun, true},
		{"branch equality other branch", "branch = 'master'", prRun, false},
		{"branch equality unset", "branch = 'master'", tagRun, false},
		{"branch inequality unset is true", "branch != 'master'", tagRun, true},
		{"tag not match unset is true", "tag !~ '^v'", branchRun, true},
		{"tag not match set", "tag !~ '^v'", tagRun, false},
		{"pull request equality", "pull_request = '123'", prRun, true},
		{"pull request unset", "pull_request =~ '.*'", branchRun, false},
		{"literal true", "true", Context{}, true},
		{"literal false", "false", Context{}, false},
		{"and both", "branch = 'master' AND tag =~ '.*'", branchRun, false},
		{"or either", "branch = 'master' OR tag =~ '.*'", branchRun, true},
		{"or either tag side", "branch = 'master' OR tag =~ '.*'", tagRun, true},
		{"and binds tighter than or", "true OR true AND false", Context{}, true},
		{"parens override precedence", "(true OR true) AND false", Context{}, false},
		{"lowercase operators", "branch = 'master' or tag =~ '.*'", branchRun, true},
		{"nested groups", "(branch = 'master' AND pull_request != '') OR tag = 'v2.11.1'", tagRun, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Evaluate(tt.expr, tt.ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "expr %q", tt.expr)
		})
	}
}

func TestCondition_Parse_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		expr    string
		wantErr string
	}{
		{"empty", "", "empty condition"},
		{"blank", "   ", "empty condition"},
		{"unterminated string", "tag = 'v1", "unterminated string"},
		{"unknown keyword", "target = 'x'", "unknown keyword"},
		{"missing operator", "tag 'v1'", "expected operator"},
		{"missing value", "tag =", "expected quoted string"},
		{"unquoted value", "tag = v1", "expected quoted string"},
		{"bare bang", "tag ! 'v1'", "unexpected '!'"},
		{"bad pattern", "tag =~ '['", "invalid pattern"},
		{"unbalanced paren", "(tag = 'v1'", "expected ')'"},
		{"trailing tokens", "tag = 'v1' branch", "unexpected"},
		{"dangling and", "tag = 'v1' AND", "unexpected end"},
		{"stray character", "tag = 'v1' % true", "unexpected character"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.expr)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCondition_Expr_String(t *testing.T) {
	t.Parallel()

	e, err := Parse("branch = 'master' OR tag =~ '.*'")
	require.NoError(t, err)
	assert.Equal(t, "(branch = 'master' OR tag =~ '.*')", e.String())
}

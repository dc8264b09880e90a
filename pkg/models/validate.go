package models

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/gantryci/gantry/pkg/condition"
	"github.com/gantryci/gantry/pkg/utils"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Severity of a lint finding. Errors make a pipeline unrunnable, warnings
// do not.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Problem is a single finding from linting a pipeline definition.
type Problem struct {
	Severity Severity
	Block    string
	Job      string
	Message  string
}

func (p Problem) String() string {
	loc := "pipeline"
	if p.Block != "" {
		loc = p.Block
		if p.Job != "" {
			loc += "/" + p.Job
		}
	}
	return fmt.Sprintf("%s: %s: %s", p.Severity, loc, p.Message)
}

// Lint checks a pipeline definition beyond what struct tags express: block
// names must be unique, dependencies must name declared blocks and form no
// cycle, conditions must parse and artifact steps must be well formed. All
// findings are returned, errors and warnings alike.
func Lint(p *Pipeline) []Problem {
	problems := structProblems(p)

	declared := make(map[string]bool, len(p.Blocks))
	for i := range p.Blocks {
		b := &p.Blocks[i]
		if declared[b.Name] {
			problems = append(problems, errorAt(b.Name, "", "duplicate block name"))
		}
		declared[b.Name] = true
	}

	for i := range p.Blocks {
		b := &p.Blocks[i]
		for _, dep := range b.Dependencies {
			if dep == b.Name {
				problems = append(problems, errorAt(b.Name, "", "block depends on itself"))
			} else if !declared[dep] {
				problems = append(problems, errorAt(b.Name, "", fmt.Sprintf("dependency %q does not name a block", dep)))
			}
		}
		if b.Run != nil && b.Skip != nil {
			problems = append(problems, errorAt(b.Name, "", "block declares both run and skip conditions"))
		}
		problems = append(problems, whenProblems(b.Name, "run condition", b.Run)...)
		problems = append(problems, whenProblems(b.Name, "skip condition", b.Skip)...)

		for j := range b.Task.Jobs {
			job := &b.Task.Jobs[j]
			for _, step := range job.Artifacts {
				problems = append(problems, artifactProblems(b.Name, job.Name, step)...)
			}
		}
	}

	if cycle := findCycle(p.Blocks); len(cycle) > 0 {
		problems = append(problems, errorAt(cycle[0], "", "dependency cycle: "+strings.Join(cycle, " -> ")))
	}

	if p.FailFast != nil {
		problems = append(problems, whenProblems("", "fail_fast stop condition", p.FailFast.Stop)...)
		problems = append(problems, whenProblems("", "fail_fast cancel condition", p.FailFast.Cancel)...)
	}
	return problems
}

// Validate runs Lint and returns an error joining all error-severity
// findings. Warnings never fail validation.
func Validate(p *Pipeline) error {
	var errs []error
	for _, problem := range Lint(p) {
		if problem.Severity == SeverityError {
			errs = append(errs, errors.New(problem.String()))
		}
	}
	return errors.Join(errs...)
}

// LintScripts warns about commands referencing script files missing from
// the checkout at root. Only relative paths are considered; tokens with
// ${...} references are skipped since they cannot be resolved without
// running the job.
func LintScripts(p *Pipeline, root string) []Problem {
	var problems []Problem
	check := func(block, job string, cmds []string) {
		for _, cmd := range cmds {
			for _, script := range scriptRefs(cmd) {
				if !utils.FileExists(filepath.Join(root, script)) {
					problems = append(problems, Problem{
						Severity: SeverityWarning,
						Block:    block,
						Job:      job,
						Message:  fmt.Sprintf("script %q not found under %s", script, root),
					})
				}
			}
		}
	}

	if gc := p.GlobalJobConfig; gc != nil {
		check("", "", gc.Prologue.Strings())
		check("", "", epilogueCommands(gc.Epilogue))
	}
	for i := range p.Blocks {
		b := &p.Blocks[i]
		check(b.Name, "", b.Task.Prologue.Strings())
		check(b.Name, "", epilogueCommands(b.Task.Epilogue))
		for j := range b.Task.Jobs {
			job := &b.Task.Jobs[j]
			check(b.Name, job.Name, job.Commands)
		}
	}
	return problems
}

func errorAt(block, job, msg string) Problem {
	return Problem{Severity: SeverityError, Block: block, Job: job, Message: msg}
}

func structProblems(p *Pipeline) []Problem {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []Problem{{Severity: SeverityError, Message: err.Error()}}
	}
	problems := make([]Problem, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, Problem{
			Severity: SeverityError,
			Message:  fmt.Sprintf("%s failed %q validation", fe.Namespace(), fe.Tag()),
		})
	}
	return problems
}

func whenProblems(block, what string, rc *RunCondition) []Problem {
	if rc == nil {
		return nil
	}
	if _, err := condition.Parse(rc.When); err != nil {
		return []Problem{errorAt(block, "", fmt.Sprintf("%s: %v", what, err))}
	}
	return nil
}

func artifactProblems(block, job string, step ArtifactStep) []Problem {
	var problems []Problem
	switch {
	case step.Push != "" && step.Pull != "":
		problems = append(problems, errorAt(block, job, "artifact step sets both push and pull"))
	case step.Push == "" && step.Pull == "":
		problems = append(problems, errorAt(block, job, "artifact step needs push or pull"))
	}
	switch step.Scope {
	case "", ScopeJob, ScopeWorkflow, ScopeProject:
	default:
		problems = append(problems, errorAt(block, job, fmt.Sprintf("unknown artifact scope %q", step.Scope)))
	}
	return problems
}

// findCycle returns the first dependency cycle found, as a path ending on
// its starting block, or nil.
func findCycle(blocks []Block) []string {
	const (
		unvisited = iota
		visiting
		visited
	)
	adj := make(map[string][]string, len(blocks))
	for i := range blocks {
		adj[blocks[i].Name] = blocks[i].Dependencies
	}
	state := make(map[string]int, len(blocks))
	var stack []string
	var cycle []string

	var visit func(string) bool
	visit = func(name string) bool {
		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range adj[name] {
			if _, known := adj[dep]; !known {
				continue
			}
			switch state[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = visited
		return false
	}

	for i := range blocks {
		if state[blocks[i].Name] == unvisited && visit(blocks[i].Name) {
			return cycle
		}
	}
	return nil
}

func epilogueCommands(e *Epilogue) []string {
	if e == nil {
		return nil
	}
	var out []string
	out = append(out, e.Always.Strings()...)
	out = append(out, e.OnPass.Strings()...)
	out = append(out, e.OnFail.Strings()...)
	return out
}

var scriptExts = map[string]bool{".sh": true, ".bash": true, ".py": true}

func scriptRefs(cmd string) []string {
	var refs []string
	for _, tok := range strings.Fields(cmd) {
		tok = strings.Trim(tok, `"'`)
		if !strings.ContainsRune(tok, '/') || strings.HasPrefix(tok, "/") || strings.HasPrefix(tok, "-") {
			continue
		}
		if strings.Contains(tok, "$") || strings.Contains(tok, "://") {
			continue
		}
		if scriptExts[filepath.Ext(tok)] {
			refs = append(refs, filepath.Clean(tok))
		}
	}
	return refs
}

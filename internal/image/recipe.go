// Package image renders and packages the container image recipe used by
// scenario platforms.
package image

import (
	"fmt"
	"strings"
)

// Dockerfile instruction keywords
const (
	OpFrom    = "FROM"
	OpArg     = "ARG"
	OpEnv     = "ENV"
	OpUser    = "USER"
	OpRun     = "RUN"
	OpCopy    = "COPY"
	OpWorkdir = "WORKDIR"
	OpLabel   = "LABEL"
)

// Instruction is one Dockerfile line
type Instruction struct {
	Op   string
	Args string
}

// Recipe is an ordered list of build instructions. Builds are strictly
// sequential: the first failing instruction fails the image.
type Recipe struct {
	Instructions []Instruction
}

// NewRecipe starts a recipe from base
func NewRecipe(base string) *Recipe {
	r := &Recipe{}
	return r.add(OpFrom, base)
}

func (r *Recipe) add(op, args string) *Recipe {
	r.Instructions = append(r.Instructions, Instruction{Op: op, Args: args})
	return r
}

// Arg declares a build argument with an optional default
func (r *Recipe) Arg(name, def string) *Recipe {
	if def == "" {
		return r.add(OpArg, name)
	}
	return r.add(OpArg, name+"="+def)
}

// Env sets an environment variable
func (r *Recipe) Env(name, value string) *Recipe {
	return r.add(OpEnv, fmt.Sprintf("%s=%q", name, value))
}

// Label adds image metadata
func (r *Recipe) Label(name, value string) *Recipe {
	return r.add(OpLabel, fmt.Sprintf("%s=%q", name, value))
}

// User switches the build user
func (r *Recipe) User(user string) *Recipe {
	return r.add(OpUser, user)
}

// Run chains commands into a single layer, aborting on the first failure
func (r *Recipe) Run(commands ...string) *Recipe {
	return r.add(OpRun, strings.Join(commands, " && \\\n    "))
}

// Copy copies build-context files into the image
func (r *Recipe) Copy(src, dest string) *Recipe {
	return r.add(OpCopy, src+" "+dest)
}

// CopyChown copies build-context files owned by owner
func (r *Recipe) CopyChown(owner, src, dest string) *Recipe {
	return r.add(OpCopy, "--chown="+owner+" "+src+" "+dest)
}

// Workdir sets the working directory
func (r *Recipe) Workdir(dir string) *Recipe {
	return r.add(OpWorkdir, dir)
}

// Render produces the Dockerfile text
func (r *Recipe) Render() string {
	var b strings.Builder
	for i, ins := range r.Instructions {
		if i > 0 && ins.Op != r.Instructions[i-1].Op {
			b.WriteString("\n")
		}
		b.WriteString(ins.Op)
		b.WriteString(" ")
		b.WriteString(ins.Args)
		b.WriteString("\n")
	}
	return b.String()
}

// Validate checks the recipe is buildable
func (r *Recipe) Validate() error {
	if len(r.Instructions) == 0 || r.Instructions[0].Op != OpFrom {
		return fmt.Errorf("recipe must start with %s", OpFrom)
	}
	for i, ins := range r.Instructions {
		if strings.TrimSpace(ins.Args) == "" {
			return fmt.Errorf("instruction %d (%s) has no arguments", i+1, ins.Op)
		}
	}
	return nil
}

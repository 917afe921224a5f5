package slurm

import (
	"strings"
	"text/template"

	"github.com/creasty/defaults"
	"github.com/pkg/errors"
)

// ScriptOptions carries the static resource limits embedded into every
// job script. Values are passed through from configuration; the
// orchestrator does not size them.
type ScriptOptions struct {
	Account      string
	TasksPerNode int      `default:"40"`
	MemPerNode   string   `default:"7000M"`
	Time         string   `default:"12:0:00"`
	JobName      string   `default:"nodeTask"`
	Modules      []string `default:"[\"openbabel\"]"`
	WorkerBin    string   `default:"cs224b-worker"`
}

func DefaultScriptOptions() (o ScriptOptions) {
	if err := defaults.Set(&o); err != nil {
		panic(err)
	}
	return
}

const scriptTemplate = `#!/bin/bash
#SBATCH --account={{.Opt.Account}}
#SBATCH --ntasks-per-node={{.Opt.TasksPerNode}}
#SBATCH --mem={{.Opt.MemPerNode}}
#SBATCH --time={{.Opt.Time}}
#SBATCH --job-name={{.Opt.JobName}}
{{- if .Array}}
#SBATCH --array=1-{{.Count}}
#SBATCH -e stderr_%a.txt
#SBATCH -o stdout_%a.txt
{{- else}}
#SBATCH -e stderr_{{.Index}}.txt
#SBATCH -o stdout_{{.Index}}.txt
{{- end}}
#SBATCH --open-mode=append
#SBATCH --export=NONE

module --force purge
{{- range .Opt.Modules}}
module load {{.}}
{{- end}}

{{if .Array}}{{.Opt.WorkerBin}} $SLURM_ARRAY_TASK_ID{{else}}{{.Opt.WorkerBin}} {{.Index}}{{end}}
`

var scriptTmpl = template.Must(template.New("job").Parse(scriptTemplate))

type scriptData struct {
	Opt   ScriptOptions
	Array bool
	Count int
	Index int
}

// ArrayScript renders the job description dispatching partitions [1, m]
// as one scheduler array batch.
func ArrayScript(opt ScriptOptions, m int) (string, error) {
	if m <= 0 {
		return "", errors.Errorf("array size must be positive, got %d", m)
	}
	return render(scriptData{Opt: opt, Array: true, Count: m})
}

// WorkerScript renders the job description re-running one partition.
func WorkerScript(opt ScriptOptions, index int) (string, error) {
	if index <= 0 {
		return "", errors.Errorf("partition index must be positive, got %d", index)
	}
	return render(scriptData{Opt: opt, Index: index})
}

func render(d scriptData) (string, error) {
	var b strings.Builder
	if err := scriptTmpl.Execute(&b, d); err != nil {
		return "", errors.Wrap(err, "render job script")
	}
	return b.String(), nil
}

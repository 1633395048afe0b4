// Package distill computes a per-layer feature-imitation loss between a
// student and a teacher model: intermediate projection outputs are
// captured on both sides and compared with a (optionally normalized,
// optionally projected) mean squared error.
package distill

import (
	"fmt"

	"github.com/samcharles93/winnow/internal/model"
	"github.com/samcharles93/winnow/internal/tensor"
)

// Disable is the sentinel teacher value that makes the modifier inert:
// every distillation loss is exactly zero.
const Disable = "disable"

// normFloor guards the normalization denominator against a teacher whose
// captured output is (near) zero.
const normFloor = 1e-12

// ProjectFrom directions.
const (
	FromTeacher = "teacher"
	FromStudent = "student"
)

// ConfigError reports an invalid distillation configuration, including an
// unrecognized teacher argument.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "distillation configuration error: " + e.Msg
}

// Config are the modifier's construction-time settings.
type Config struct {
	// Gain weights the distillation term in the total loss.
	Gain float64
	// Normalize divides each pair's difference by the teacher output's
	// mean squared magnitude, guarding against teacher-scale drift.
	Normalize bool
	// ProjectFeatures maps one side's features to the other's width with a
	// lazily-initialized linear projection when widths differ.
	ProjectFeatures bool
	// ProjectFrom chooses which side is projected ("teacher" or "student").
	ProjectFrom string
	// StudentNames/TeacherNames pair layers explicitly. When StudentNames
	// is nil all projection modules are auto-discovered by traversal;
	// when TeacherNames is nil it defaults to StudentNames.
	StudentNames []string
	TeacherNames []string
}

type pair struct {
	studentName string
	teacherName string
	student     *model.Linear
	teacher     *model.Linear
	studentCap  *model.Capture
	teacherCap  *model.Capture
	projection  *tensor.Mat
}

type state int

const (
	stateUninitialized state = iota
	stateActive
	stateInert
	stateFinalized
)

// Modifier is the per-layer distillation modifier. Lifecycle:
// Uninitialized -> Active (captures attached) -> Finalized (detached).
type Modifier struct {
	cfg   Config
	st    state
	pairs []pair
}

// New validates the configuration.
func New(cfg Config) (*Modifier, error) {
	if cfg.ProjectFrom == "" {
		cfg.ProjectFrom = FromTeacher
	}
	if cfg.ProjectFrom != FromTeacher && cfg.ProjectFrom != FromStudent {
		return nil, &ConfigError{Msg: fmt.Sprintf("unknown project_from %q", cfg.ProjectFrom)}
	}
	return &Modifier{cfg: cfg}, nil
}

// Initialize resolves (student, teacher) layer pairs and attaches output
// capture sinks to both models. teacher must be a *model.Model or the
// Disable sentinel; anything else is a configuration error.
func (m *Modifier) Initialize(student *model.Model, teacher any) error {
	if m.st != stateUninitialized {
		return &ConfigError{Msg: "modifier already initialized"}
	}
	var teacherModel *model.Model
	switch t := teacher.(type) {
	case string:
		if t != Disable {
			return &ConfigError{Msg: fmt.Sprintf("unrecognized distillation teacher %q; use a model or %q", t, Disable)}
		}
		m.st = stateInert
		return nil
	case *model.Model:
		teacherModel = t
	default:
		return &ConfigError{Msg: fmt.Sprintf("distillation teacher must be a model or %q, got %T", Disable, teacher)}
	}

	pairs, err := m.resolvePairs(student, teacherModel)
	if err != nil {
		return err
	}
	for i := range pairs {
		pairs[i].studentCap = &model.Capture{}
		pairs[i].teacherCap = &model.Capture{}
		pairs[i].student.SetCapture(pairs[i].studentCap)
		pairs[i].teacher.SetCapture(pairs[i].teacherCap)
	}
	m.pairs = pairs
	m.st = stateActive
	return nil
}

func (m *Modifier) resolvePairs(student, teacher *model.Model) ([]pair, error) {
	if m.cfg.StudentNames == nil {
		sMods := student.NamedModules()
		tMods := teacher.NamedModules()
		if len(sMods) != len(tMods) {
			return nil, &ConfigError{
				Msg: fmt.Sprintf("auto-discovered layer counts differ: student %d, teacher %d", len(sMods), len(tMods)),
			}
		}
		pairs := make([]pair, len(sMods))
		for i := range sMods {
			pairs[i] = pair{
				studentName: sMods[i].Name, teacherName: tMods[i].Name,
				student: sMods[i].Lin, teacher: tMods[i].Lin,
			}
		}
		return pairs, nil
	}

	teacherNames := m.cfg.TeacherNames
	if teacherNames == nil {
		teacherNames = m.cfg.StudentNames
	}
	if len(teacherNames) != len(m.cfg.StudentNames) {
		return nil, &ConfigError{
			Msg: fmt.Sprintf("name list lengths differ: student %d, teacher %d", len(m.cfg.StudentNames), len(teacherNames)),
		}
	}
	pairs := make([]pair, len(m.cfg.StudentNames))
	for i, sn := range m.cfg.StudentNames {
		sLin, ok := student.FindModule(sn)
		if !ok {
			return nil, &ConfigError{Msg: fmt.Sprintf("student module %q not found", sn)}
		}
		tLin, ok := teacher.FindModule(teacherNames[i])
		if !ok {
			return nil, &ConfigError{Msg: fmt.Sprintf("teacher module %q not found", teacherNames[i])}
		}
		pairs[i] = pair{studentName: sn, teacherName: teacherNames[i], student: sLin, teacher: tLin}
	}
	return pairs, nil
}

// DistillationLoss sums the feature-matching loss over all pairs, using
// each side's last captured output. Inert and finalized modifiers return
// exactly zero.
func (m *Modifier) DistillationLoss() (float64, error) {
	if m.st != stateActive {
		return 0, nil
	}
	var total float64
	for i := range m.pairs {
		p := &m.pairs[i]
		if !p.studentCap.Seen {
			return 0, fmt.Errorf("no captured output for student module %q", p.studentName)
		}
		if !p.teacherCap.Seen {
			return 0, fmt.Errorf("no captured output for teacher module %q", p.teacherName)
		}
		sOut := p.studentCap.Out
		tOut := p.teacherCap.Out
		if sOut.R != tOut.R {
			return 0, fmt.Errorf("pair %q/%q: captured sequence lengths differ (%d vs %d)",
				p.studentName, p.teacherName, sOut.R, tOut.R)
		}

		if m.cfg.ProjectFeatures && sOut.C != tOut.C {
			if m.cfg.ProjectFrom == FromTeacher {
				tOut = p.project(tOut, sOut.C, int64(i))
			} else {
				sOut = p.project(sOut, tOut.C, int64(i))
			}
		}
		if sOut.C != tOut.C {
			return 0, fmt.Errorf("pair %q/%q: feature widths differ (%d vs %d); enable projection",
				p.studentName, p.teacherName, sOut.C, tOut.C)
		}

		diff := tensor.MSE(sOut.Data, tOut.Data)
		if m.cfg.Normalize {
			mag := tensor.MeanSquare(tOut.Data)
			if mag < normFloor {
				mag = normFloor
			}
			diff /= mag
		}
		total += diff
	}
	return total, nil
}

// project maps x onto outC features through the pair's lazily-initialized
// projection.
func (p *pair) project(x tensor.Mat, outC int, seed int64) tensor.Mat {
	if p.projection == nil || p.projection.R != outC || p.projection.C != x.C {
		proj := tensor.NewMat(outC, x.C)
		tensor.FillRand(&proj, seed+1)
		p.projection = &proj
	}
	out := tensor.NewMat(x.R, outC)
	tensor.MatMulT(&out, &x, p.projection)
	return out
}

// TotalLoss combines the base training loss with the weighted
// distillation term: base + gain * distillation.
func (m *Modifier) TotalLoss(base float64) (float64, error) {
	dl, err := m.DistillationLoss()
	if err != nil {
		return 0, err
	}
	return base + m.cfg.Gain*dl, nil
}

// Finalize detaches all capture sinks and releases cached tensors. Safe
// to call multiple times; after the first call the modifier stays inert.
func (m *Modifier) Finalize() {
	if m.st == stateFinalized {
		return
	}
	for i := range m.pairs {
		p := &m.pairs[i]
		if p.student != nil {
			p.student.SetCapture(nil)
		}
		if p.teacher != nil {
			p.teacher.SetCapture(nil)
		}
		p.studentCap = nil
		p.teacherCap = nil
		p.projection = nil
	}
	m.pairs = nil
	m.st = stateFinalized
}

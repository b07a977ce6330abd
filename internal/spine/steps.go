package spine

import (
	"buildloop/internal/mission"
)

// Step is one entry of the chain. Bookkeeping steps are recorded as
// executed without calling a mission.
type Step struct {
	Name        string
	Bookkeeping bool
	Mission     mission.Type
	// Inputs shapes the mission inputs from the task and the outputs
	// accumulated by earlier steps. Nil passes the task fields.
	Inputs func(task TaskSpec, chain map[string]interface{}) map[string]interface{}
}

// DefaultSteps is hydrate, policy, design, build, review, steward.
func DefaultSteps() []Step {
	return []Step{
		{Name: "hydrate", Bookkeeping: true},
		{Name: "policy", Bookkeeping: true},
		{Name: "design", Mission: mission.TypeDesign, Inputs: designInputs},
		{Name: "build", Mission: mission.TypeBuild, Inputs: buildInputs},
		{Name: "review", Mission: mission.TypeReview, Inputs: reviewInputs},
		{Name: "steward", Mission: mission.TypeSteward, Inputs: stewardInputs},
	}
}

func (s Step) inputs(task TaskSpec, chain map[string]interface{}) map[string]interface{} {
	if s.Inputs == nil {
		return designInputs(task, chain)
	}
	return s.Inputs(task, chain)
}

func designInputs(task TaskSpec, _ map[string]interface{}) map[string]interface{} {
	refs, ok := task["context_refs"]
	if !ok {
		refs = []interface{}{}
	}
	t, ok := task["task"]
	if !ok {
		t = ""
	}
	return map[string]interface{}{"task_spec": t, "context_refs": refs}
}

func buildInputs(_ TaskSpec, chain map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"build_packet": objectOrEmpty(chain, "build_packet"),
		"approval":     map[string]interface{}{"verdict": "approved"},
	}
}

func reviewInputs(_ TaskSpec, chain map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"subject_packet": objectOrEmpty(chain, "review_packet"),
		"review_type":    "code_review",
	}
}

// stewardInputs approves unless the review verdict says otherwise.
func stewardInputs(_ TaskSpec, chain map[string]interface{}) map[string]interface{} {
	approved := true
	if verdict, ok := chain["verdict"].(map[string]interface{}); ok {
		if v, ok := verdict["approved"].(bool); ok {
			approved = v
		}
	}
	return map[string]interface{}{
		"review_packet":    objectOrEmpty(chain, "review_packet"),
		"approval":         approved,
		"council_decision": objectOrEmpty(chain, "council_decision"),
	}
}

func objectOrEmpty(m map[string]interface{}, key string) interface{} {
	if v, ok := m[key]; ok && v != nil {
		return v
	}
	return map[string]interface{}{}
}

package mission

import "context"

// EchoExecutor succeeds and returns its inputs as outputs.
type EchoExecutor struct {
	Step string
}

// Run implements Executor.
func (e EchoExecutor) Run(_ context.Context, _ Context, inputs map[string]interface{}) (*Result, error) {
	outputs := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		outputs[k] = v
	}
	step := e.Step
	if step == "" {
		step = "echo"
	}
	return &Result{Success: true, Outputs: outputs, ExecutedSteps: []string{step}}, nil
}

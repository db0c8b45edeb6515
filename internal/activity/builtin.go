package activity

// RegisterBuiltins registers the dependency-free builtin activities: http,
// condition, script, transform and hash. The workflow-scoped builtins
// (workflow, wait, log) register separately through
// RegisterWorkflowActivities once a store exists.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig) error {
	all := make([]Activity, 0, 8)

	all = append(all, NewHTTPActivity(httpCfg), NewHashActivity())

	evals, err := EvalActivities()
	if err != nil {
		return err
	}
	all = append(all, evals...)

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

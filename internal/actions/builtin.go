package actions

// RegisterBuiltins registers http.request and script.run.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig, scriptCfg ScriptConfig) error {
	for _, a := range []Action{
		NewHTTPRequestAction(httpCfg),
		NewScriptAction(scriptCfg),
	} {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

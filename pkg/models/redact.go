package models

// RedactEnvironments applies the column-visibility rules before records leave
// the service. Staff see everything. Players see their environments minus the
// operational secret text. Audience teams see nothing.
func RedactEnvironments(pes []ProblemEnvironment, viewer *Team) []ProblemEnvironment {
	if viewer == nil || viewer.Audience() {
		return nil
	}
	if viewer.Staff() {
		return pes
	}
	out := make([]ProblemEnvironment, len(pes))
	for i, pe := range pes {
		pe.SecretText = ""
		out[i] = pe
	}
	return out
}

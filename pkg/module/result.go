package module

// DiffRecord describes the change applied to one file in unified-diff terms.
type DiffRecord struct {
	// Before is the file content before the change.
	Before string `json:"before"`

	// After is the file content after the change.
	After string `json:"after"`

	// BeforeHeader labels the before side; "/dev/null" when the file did not
	// exist before the change.
	BeforeHeader string `json:"before_header"`

	// AfterHeader labels the after side; "/dev/null" when the file no longer
	// exists after the change.
	AfterHeader string `json:"after_header"`
}

// Result is the standard contract returned by every module execution. An
// execution always yields a well-formed Result or raises; partial returns
// violate the module contract.
type Result struct {
	// Changed reports whether the target was (or, in check mode, would be)
	// modified.
	Changed bool `json:"changed"`

	// Failed reports a failure the module converted into a result rather
	// than an error.
	Failed bool `json:"failed,omitempty"`

	// Skipped reports that the execution was skipped by a precondition.
	Skipped bool `json:"skipped,omitempty"`

	// Item is the loop item this result belongs to, set by the loop control.
	Item interface{} `json:"item,omitempty"`

	// Diff lists per-file change records when the module computed them.
	Diff []DiffRecord `json:"diff,omitempty"`

	// Results collects per-iteration results when the loop control
	// aggregated this result.
	Results []*Result `json:"results,omitempty"`

	// Msg is an optional human-readable outcome message.
	Msg string `json:"msg,omitempty"`

	// Extra carries module-specific result fields.
	Extra map[string]interface{} `json:"-"`
}

// AsMap flattens the result into a plain map so captured results can be
// addressed field-by-field in later expressions.
func (r *Result) AsMap() map[string]interface{} {
	m := map[string]interface{}{
		"changed": r.Changed,
		"failed":  r.Failed,
		"skipped": r.Skipped,
	}
	if r.Item != nil {
		m["item"] = r.Item
	}
	if r.Msg != "" {
		m["msg"] = r.Msg
	}
	if len(r.Diff) > 0 {
		diffs := make([]interface{}, len(r.Diff))
		for i, d := range r.Diff {
			diffs[i] = map[string]interface{}{
				"before":        d.Before,
				"after":         d.After,
				"before_header": d.BeforeHeader,
				"after_header":  d.AfterHeader,
			}
		}
		m["diff"] = diffs
	}
	if len(r.Results) > 0 {
		results := make([]interface{}, len(r.Results))
		for i, sub := range r.Results {
			results[i] = sub.AsMap()
		}
		m["results"] = results
	}
	for k, v := range r.Extra {
		m[k] = v
	}
	return m
}

// SetExtra records a module-specific result field.
func (r *Result) SetExtra(key string, value interface{}) {
	if r.Extra == nil {
		r.Extra = make(map[string]interface{})
	}
	r.Extra[key] = value
}

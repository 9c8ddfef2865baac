package modelregistry

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"

	"github.com/lazyaudit-labs/engine/pkg/errs"
)

// Candidate is one (model_version, dataset_hash_hex) pair matched by a
// selective-materialization query.
type Candidate struct {
	ModelVersion   string
	DatasetHashHex string
}

// selectiveEnv is built once: every record exposes model_type, dataset_id,
// and model_version to the filter expression.
var selectiveEnv = mustBuildSelectiveEnv()

func mustBuildSelectiveEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("model_type", cel.StringType),
		cel.Variable("dataset_id", cel.StringType),
		cel.Variable("model_version", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("modelregistry: build cel env: %v", err))
	}
	return env
}

// SelectiveCandidates evaluates a CEL boolean expression against every
// registered record's (model_type, dataset_id, model_version) and returns
// the matching composite candidates (spec §4.7
// "selective_candidates(criteria)"). Typical expressions:
//
//	model_type == "classifier"
//	dataset_id.contains("prod") && model_type != "experimental"
func (r *Registry) SelectiveCandidates(expression string) ([]Candidate, error) {
	ast, issues := selectiveEnv.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "invalid selective_candidates expression", issues.Err())
	}
	program, err := selectiveEnv.Program(ast)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "compile selective_candidates expression", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Candidate, 0)
	for _, rec := range r.records {
		result, _, err := program.Eval(map[string]any{
			"model_type":    rec.ModelType,
			"dataset_id":    rec.DatasetID,
			"model_version": rec.ModelVersion,
		})
		if err != nil {
			return nil, errs.Wrap(errs.InvalidArgument, "evaluate selective_candidates expression", err)
		}
		matched, ok := result.Value().(bool)
		if !ok || !matched {
			continue
		}
		out = append(out, Candidate{ModelVersion: rec.ModelVersion, DatasetHashHex: rec.DatasetHashHex})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ModelVersion != out[j].ModelVersion {
			return out[i].ModelVersion < out[j].ModelVersion
		}
		return out[i].DatasetHashHex < out[j].DatasetHashHex
	})
	return out, nil
}

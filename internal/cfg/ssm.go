package cfg

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/siwes-logbook/internal/xerrors"
)

// SSMGetter is the part of the SSM client used here.
type SSMGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ApplySSM reads param, a JSON object of flag name to value, and applies each
// entry to flags that were set neither on the command line nor in the
// environment. Values may be JSON strings, numbers or booleans. Unknown flag
// names are an error so typos do not go unnoticed. It returns the names of
// the flags it changed.
func ApplySSM(ctx context.Context, fs *flag.FlagSet, client SSMGetter, param, prefix string) ([]string, error) {
	if param == "" {
		return nil, nil
	}
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", param)
	}

	var overrides map[string]any
	if err := json.Unmarshal([]byte(*out.Parameter.Value), &overrides); err != nil {
		return nil, xerrors.Wrapf(err, "SSM parameter %s is not a JSON object", param)
	}

	explicit := explicitFlags(fs)
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	var applied []string
	for _, name := range names {
		if fs.Lookup(name) == nil {
			return applied, xerrors.Newf("SSM parameter %s: unknown flag %q", param, name)
		}
		if explicit[name] {
			continue
		}
		if _, ok := os.LookupEnv(EnvKey(prefix, name)); ok {
			continue
		}
		var val string
		switch v := overrides[name].(type) {
		case string:
			val = v
		case bool, float64:
			val = fmt.Sprint(v)
		default:
			return applied, xerrors.Newf("SSM parameter %s: flag %q has unsupported value type %T", param, name, v)
		}
		if err := fs.Set(name, val); err != nil {
			return applied, xerrors.Wrapf(err, "SSM parameter %s: flag %q", param, name)
		}
		applied = append(applied, name)
	}
	return applied, nil
}

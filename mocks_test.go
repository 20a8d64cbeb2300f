package main

import (
	"sync"
	"testing"

	"github.com/pulumi/pulumi/sdk/v3/go/common/resource"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// mockPassword is the sentinel the mock monitor hands out as the generated
// password, so tests can prove the plaintext never leaks into other nodes.
const mockPassword = "mock-generated-password"

// recorder is a mock resource monitor that captures every resource
// registration so tests can assert on the emitted graph.
type recorder struct {
	mu        sync.Mutex
	resources []pulumi.MockResourceArgs
}

func newRecorder() *recorder {
	return &recorder{}
}

func (r *recorder) NewResource(args pulumi.MockResourceArgs) (string, resource.PropertyMap, error) {
	r.mu.Lock()
	r.resources = append(r.resources, args)
	r.mu.Unlock()

	outputs := make(resource.PropertyMap, len(args.Inputs)+4)
	for k, v := range args.Inputs {
		outputs[k] = v
	}
	if _, ok := outputs["name"]; !ok {
		outputs["name"] = resource.NewStringProperty(args.Name)
	}
	outputs["arn"] = resource.NewStringProperty("arn:aws:mock:" + args.Name)
	outputs["identifier"] = resource.NewStringProperty(args.Name)
	outputs["address"] = resource.NewStringProperty(args.Name + ".db.internal.example")
	outputs["dnsName"] = resource.NewStringProperty(args.Name + ".elb.example")
	if args.TypeToken == "random:index/randomPassword:RandomPassword" {
		outputs["result"] = resource.NewStringProperty(mockPassword)
	}

	return args.Name + "-id", outputs, nil
}

func (r *recorder) Call(args pulumi.MockCallArgs) (resource.PropertyMap, error) {
	return args.Args, nil
}

func (r *recorder) all() []pulumi.MockResourceArgs {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pulumi.MockResourceArgs, len(r.resources))
	copy(out, r.resources)
	return out
}

func (r *recorder) typed(token string) []pulumi.MockResourceArgs {
	var out []pulumi.MockResourceArgs
	for _, res := range r.all() {
		if res.TypeToken == token {
			out = append(out, res)
		}
	}
	return out
}

func (r *recorder) countOf(token string) int {
	return len(r.typed(token))
}

// runWithMocks executes a program against the mock monitor and returns the
// recorded registrations alongside the program error.
func runWithMocks(t *testing.T, program func(ctx *pulumi.Context) error) (*recorder, error) {
	t.Helper()
	rec := newRecorder()
	err := pulumi.RunErr(program, pulumi.WithMocks("multitier-webapp-lab", "test", rec))
	return rec, err
}

func propUnwrap(v resource.PropertyValue) resource.PropertyValue {
	for v.IsSecret() {
		v = v.SecretValue().Element
	}
	if v.IsOutput() {
		v = v.OutputValue().Element
	}
	return v
}

func propString(v resource.PropertyValue) string {
	v = propUnwrap(v)
	if v.IsString() {
		return v.StringValue()
	}
	return ""
}

func propBool(v resource.PropertyValue) bool {
	v = propUnwrap(v)
	return v.IsBool() && v.BoolValue()
}

func propNumber(v resource.PropertyValue) float64 {
	v = propUnwrap(v)
	if v.IsNumber() {
		return v.NumberValue()
	}
	return 0
}

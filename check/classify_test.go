package check_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/optimode/mailverify/check"
	"github.com/optimode/mailverify/internal/dnscache"
	"github.com/optimode/mailverify/types"
)

func TestClassifyType(t *testing.T) {
	tests := []struct {
		email string
		want  check.TypeResult
	}{
		{"jane@example.com", check.TypeResult{Type: types.TypePersonal}},
		{"support@example.com", check.TypeResult{RoleBased: true, Type: types.TypeRoleBased}},
		{"Sales+emea@example.com", check.TypeResult{RoleBased: true, Type: types.TypeRoleBased}},
		{"jane@mailinator.com", check.TypeResult{Disposable: true, Type: types.TypeDisposable}},
		{"jane@sub.mailinator.com", check.TypeResult{Disposable: true, Type: types.TypeDisposable}},
		{"admin@guerrillamail.com", check.TypeResult{Disposable: true, RoleBased: true, Type: types.TypeDisposable}},
		{"not an address", check.TypeResult{Type: types.TypeUnknown}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, check.ClassifyType(tt.email), tt.email)
	}
}

func newClassifier(r dnscache.Resolver) *check.Classifier {
	return check.NewClassifier(newDomainChecker(r, 2))
}

func TestPrecheck(t *testing.T) {
	withMX := &mockResolver{records: []*net.MX{{Host: "mx.example.com.", Pref: 10}}}
	ctx := context.Background()

	tests := []struct {
		name       string
		resolver   dnscache.Resolver
		email      string
		needsProbe bool
		bucket     types.Bucket
		confidence types.Confidence
	}{
		{"personal needs probe", withMX, "Jane@Example.com", true, "", ""},
		{"syntax error", withMX, "jane@@example.com", false, types.BucketInvalid, types.ConfidenceHigh},
		{"disposable", withMX, "jane@mailinator.com", false, types.BucketDisposable, ""},
		{"role based", withMX, "info@example.com", false, types.BucketRoleBased, ""},
		{"no mail server", &mockResolver{mxErr: dnscache.ErrNotFound}, "jane@example.com", false, types.BucketInvalid, types.ConfidenceHigh},
		{"role on dead domain", &mockResolver{mxErr: dnscache.ErrNotFound}, "info@example.com", false, types.BucketInvalid, types.ConfidenceHigh},
		{"resolver failure", &mockResolver{mxErr: dnscache.ErrServFail}, "jane@example.com", false, types.BucketInvalid, types.ConfidenceLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newClassifier(tt.resolver).Precheck(ctx, tt.email)
			assert.Equal(t, tt.needsProbe, p.NeedsProbe)
			assert.Equal(t, tt.bucket, p.Bucket)
			assert.Equal(t, tt.confidence, p.Record.Confidence)
			assert.Equal(t, check.ClassifyType(tt.email).Type == types.TypeUnknown, !p.Record.SyntaxValid)
		})
	}
}

func TestPrecheck_Record(t *testing.T) {
	r := &mockResolver{records: []*net.MX{{Host: "MX.Example.com.", Pref: 10}}}
	p := newClassifier(r).Precheck(context.Background(), "  Jane@Gmial.com ")

	assert.True(t, p.NeedsProbe)
	assert.Equal(t, "jane@gmial.com", p.Record.Address)
	assert.True(t, p.Record.SyntaxValid)
	assert.True(t, p.Record.DomainValid)
	assert.True(t, p.Record.HasMX)
	assert.Equal(t, "mx.example.com", p.Record.MXHost)
	assert.Equal(t, "gmail.com", p.Record.Suggestion)
	assert.Equal(t, types.TypePersonal, p.Record.Type)
}

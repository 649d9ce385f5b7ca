package upstream

import (
	"fmt"

	"github.com/tos-network/stratum-splitter/internal/job"
)

// Flavour isolates the handful of places real-world pool operators diverge
// from the Stratum v1 mainstream (spec's open question on "ck-type"
// pools). Everything else about an upstream session — the state machine,
// submit correlation, backoff — is flavour-independent.
type Flavour interface {
	// Name identifies the flavour for logs and config.
	Name() string
	// SubscribeParams builds the params array for mining.subscribe.
	SubscribeParams(userAgent string) []interface{}
	// ParseNotify turns a mining.notify params array into a job record.
	ParseNotify(params []interface{}) (*job.Record, error)
	// SubmitParams builds the params array for mining.submit given the
	// already-resolved pool-side identifiers.
	SubmitParams(poolUsername, poolJobID, extranonce2, ntime, nonce string) []interface{}
}

// generic implements the mainstream Stratum v1 dialect used by cgminer,
// ckpool, and most public pools: 9-field mining.notify, 5-field submit.
type generic struct{}

// NewGeneric returns the mainstream Stratum v1 flavour.
func NewGeneric() Flavour { return generic{} }

func (generic) Name() string { return "generic" }

func (generic) SubscribeParams(userAgent string) []interface{} {
	return []interface{}{userAgent}
}

func (generic) ParseNotify(params []interface{}) (*job.Record, error) {
	if len(params) < 9 {
		return nil, fmt.Errorf("upstream: mining.notify expects 9 params, got %d", len(params))
	}
	jobID, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("upstream: mining.notify param 0 (job_id) not a string")
	}
	prevHash, _ := params[1].(string)
	coinbase1, _ := params[2].(string)
	coinbase2, _ := params[3].(string)

	var branch []string
	if raw, ok := params[4].([]interface{}); ok {
		for _, b := range raw {
			if s, ok := b.(string); ok {
				branch = append(branch, s)
			}
		}
	}

	version, _ := params[5].(string)
	nbits, _ := params[6].(string)
	ntime, _ := params[7].(string)
	cleanJobs, _ := params[8].(bool)

	return &job.Record{
		PoolJobID:    jobID,
		PrevHash:     prevHash,
		Coinbase1:    coinbase1,
		Coinbase2:    coinbase2,
		MerkleBranch: branch,
		Version:      version,
		NBits:        nbits,
		NTime:        ntime,
		CleanJobs:    cleanJobs,
	}, nil
}

func (generic) SubmitParams(poolUsername, poolJobID, extranonce2, ntime, nonce string) []interface{} {
	return []interface{}{poolUsername, poolJobID, extranonce2, ntime, nonce}
}

// ckType implements the ck-type dialect some operators run (notably
// ckpool-derived backends that accept a 4-field submit, omitting ntime
// when the job's own ntime is reused verbatim).
type ckType struct{}

// NewCKType returns the ck-type flavour.
func NewCKType() Flavour { return ckType{} }

func (ckType) Name() string { return "ck-type" }

func (ckType) SubscribeParams(userAgent string) []interface{} {
	return []interface{}{userAgent, nil}
}

func (ckType) ParseNotify(params []interface{}) (*job.Record, error) {
	return generic{}.ParseNotify(params)
}

func (ckType) SubmitParams(poolUsername, poolJobID, extranonce2, ntime, nonce string) []interface{} {
	return []interface{}{poolUsername, poolJobID, extranonce2, nonce}
}

// ByName resolves a flavour from its config string, defaulting to generic
// for an unrecognized or empty value.
func ByName(name string) Flavour {
	switch name {
	case "ck-type":
		return NewCKType()
	default:
		return NewGeneric()
	}
}

package svm

import (
	"errors"
	"reflect"
	"strings"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
)

// TransactionErrorMetrics counts transaction failures. Total is the number
// of failed transactions; every failure also increments exactly one category
// field, so Total equals the sum of the categories.
type TransactionErrorMetrics struct {
	Total                                 uint64
	AccountInUse                          uint64
	TooManyAccountLocks                   uint64
	AccountLoadedTwice                    uint64
	AccountNotFound                       uint64
	BlockhashNotFound                     uint64
	BlockhashTooOld                       uint64
	CallChainTooDeep                      uint64
	AlreadyProcessed                      uint64
	InstructionError                      uint64
	InsufficientFunds                     uint64
	InvalidAccountForFee                  uint64
	InvalidAccountIndex                   uint64
	InvalidProgramForExecution            uint64
	InvalidComputeBudget                  uint64
	NotAllowedDuringClusterMaintenance    uint64
	InvalidWritableAccount                uint64
	InvalidRentPayingAccount              uint64
	WouldExceedMaxBlockCostLimit          uint64
	WouldExceedMaxAccountCostLimit        uint64
	WouldExceedMaxVoteCostLimit           uint64
	WouldExceedAccountDataBlockLimit      uint64
	MaxLoadedAccountsDataSizeExceeded     uint64
	ProgramExecutionTemporarilyRestricted uint64
	SanitizeFailure                       uint64
	SignatureFailure                      uint64
	UnbalancedTransaction                 uint64
	// Other counts failures outside the categories above.
	Other uint64
}

// Accumulate adds other into m, saturating each counter.
func (m *TransactionErrorMetrics) Accumulate(other *TransactionErrorMetrics) {
	dst := reflect.ValueOf(m).Elem()
	src := reflect.ValueOf(other).Elem()
	for i := 0; i < dst.NumField(); i++ {
		f := dst.Field(i)
		f.SetUint(saturatingAdd(f.Uint(), src.Field(i).Uint()))
	}
}

// Record counts err as one failed transaction: Total and the category
// matching err are incremented.
func (m *TransactionErrorMetrics) Record(err error) {
	if err == nil {
		return
	}
	m.Total = saturatingAdd(m.Total, 1)
	m.Count(err)
}

// Count increments only the category matching err. It is used where Total is
// counted separately.
func (m *TransactionErrorMetrics) Count(err error) {
	if err == nil {
		return
	}
	var (
		ixErr   *InstructionError
		rentErr *InsufficientFundsForRentError
	)
	switch {
	case errors.As(err, &ixErr):
		m.InstructionError++
	case errors.As(err, &rentErr):
		m.InvalidRentPayingAccount++
	case errors.Is(err, ErrAccountInUse):
		m.AccountInUse++
	case errors.Is(err, ErrTooManyAccountLocks):
		m.TooManyAccountLocks++
	case errors.Is(err, ErrAccountLoadedTwice):
		m.AccountLoadedTwice++
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrProgramAccountNotFound):
		m.AccountNotFound++
	case errors.Is(err, ErrBlockhashNotFound):
		m.BlockhashNotFound++
	case errors.Is(err, ErrCallChainTooDeep):
		m.CallChainTooDeep++
	case errors.Is(err, ErrAlreadyProcessed):
		m.AlreadyProcessed++
	case errors.Is(err, ErrInsufficientFundsForFee):
		m.InsufficientFunds++
	case errors.Is(err, ErrInvalidAccountForFee):
		m.InvalidAccountForFee++
	case errors.Is(err, ErrInvalidAccountIndex):
		m.InvalidAccountIndex++
	case errors.Is(err, ErrInvalidProgramForExecution):
		m.InvalidProgramForExecution++
	case errors.Is(err, ErrInvalidComputeBudget):
		m.InvalidComputeBudget++
	case errors.Is(err, ErrInvalidRentPayingAccount):
		m.InvalidRentPayingAccount++
	case errors.Is(err, ErrMaxLoadedAccountsDataSizeExceeded), errors.Is(err, ErrInvalidLoadedAccountsDataSizeLimit):
		m.MaxLoadedAccountsDataSizeExceeded++
	case errors.Is(err, ErrSanitizeFailure), errors.Is(err, ErrUnsupportedVersion):
		m.SanitizeFailure++
	case errors.Is(err, ErrSignatureFailure), errors.Is(err, ErrMissingSignatureForFee):
		m.SignatureFailure++
	case errors.Is(err, ErrUnbalancedTransaction):
		m.UnbalancedTransaction++
	default:
		m.Other++
	}
}

// Categorized returns the sum of the category fields.
func (m *TransactionErrorMetrics) Categorized() uint64 {
	var sum uint64
	v := reflect.ValueOf(m).Elem()
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		if t.Field(i).Name != "Total" {
			sum = saturatingAdd(sum, v.Field(i).Uint())
		}
	}
	return sum
}

// Counts returns every non-zero counter except Total, keyed by snake_case
// category name.
func (m *TransactionErrorMetrics) Counts() map[string]uint64 {
	out := make(map[string]uint64)
	v := reflect.ValueOf(m).Elem()
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		name := t.Field(i).Name
		if name == "Total" || v.Field(i).Uint() == 0 {
			continue
		}
		out[snakeCase(name)] = v.Field(i).Uint()
	}
	return out
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MetricsReporter exports TransactionErrorMetrics to prometheus.
type MetricsReporter struct {
	errors *prometheus.CounterVec
	total  prometheus.Counter
}

// NewMetricsReporter creates the collectors and registers them with reg.
// A nil reg skips registration.
func NewMetricsReporter(reg prometheus.Registerer) (*MetricsReporter, error) {
	r := &MetricsReporter{
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratus",
			Subsystem: "svm",
			Name:      "transaction_errors_total",
			Help:      "Failed transactions by error category.",
		}, []string{"category"}),
		total: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stratus",
			Subsystem: "svm",
			Name:      "transaction_failures_total",
			Help:      "Failed transactions.",
		}),
	}
	if reg == nil {
		return r, nil
	}
	for _, c := range []prometheus.Collector{r.errors, r.total} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Report adds m to the exported counters.
func (r *MetricsReporter) Report(m *TransactionErrorMetrics) {
	if r == nil || m == nil {
		return
	}
	r.total.Add(float64(m.Total))
	for category, n := range m.Counts() {
		r.errors.WithLabelValues(category).Add(float64(n))
	}
}

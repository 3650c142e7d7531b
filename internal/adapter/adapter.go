package adapter

import (
	"context"
	"sort"

	"github.com/commonsmeta/aggmds/internal/domain"
)

// Source describes one configured external catalog as seen by its adapter.
type Source struct {
	// Name is the source's internal name (the commons name).
	Name string
	// Endpoint is the catalog's fetch URL (mds_url in the config).
	Endpoint string
	// CommonsURL is the source's public site, used for links and filters.
	CommonsURL string
	// Filters carry source-specific selection parameters.
	Filters SourceFilters
	// Config carries adapter-specific knobs (batch size, caps).
	Config SourceTuning
}

// SourceFilters selects which records an adapter pulls.
type SourceFilters struct {
	// StudyIDs lists the identifiers fetched one by one, for adapters
	// that address records individually (icpsr, pdaps, dataverse, mps).
	StudyIDs []string `json:"study_ids,omitempty"`
	// Term is the search expression for query-driven catalogs
	// (clinicaltrials).
	Term string `json:"term,omitempty"`
	// Size caps paged fetches when the vendor supports it.
	Size int `json:"size,omitempty"`
}

// SourceTuning carries paging knobs with adapter-chosen defaults.
type SourceTuning struct {
	BatchSize int `json:"batchSize,omitempty"`
	MaxItems  int `json:"maxItems,omitempty"`
}

// Record pairs a source-assigned identifier with its raw payload.
// Pull results preserve the source's iteration order.
type Record struct {
	ID   string
	Data domain.RawRecord
}

// Adapter pulls raw records from one kind of external catalog.
// Implementations return a finite, ordered record list; normalization
// is the transform engine's job, not theirs.
type Adapter interface {
	// Name is the adapter's registry key.
	Name() string
	// Pull fetches all selected records from the source. A terminal
	// fetch failure returns an error and no records; the caller logs it
	// and continues with other sources.
	Pull(ctx context.Context, src Source) ([]Record, error)
}

// Registry maps adapter names to implementations. It is populated at
// startup and read-only afterwards.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry containing every built-in adapter,
// all sharing one retrying HTTP client.
func NewRegistry(client *Client) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	r.Register(&Gen3Adapter{client: client})
	r.Register(&ClinicalTrialsAdapter{client: client})
	r.Register(&ICPSRAdapter{client: client})
	r.Register(&PDAPSAdapter{client: client})
	r.Register(&DataverseAdapter{client: client})
	r.Register(&GDCAdapter{client: client})
	r.Register(&ICDCAdapter{client: client})
	r.Register(&PDCAdapter{client: client})
	r.Register(&PDCStudyAdapter{client: client})
	r.Register(&PDCSubjectAdapter{client: client})
	r.Register(&CIDCAdapter{client: client})
	r.Register(&TCIAAdapter{client: client})
	r.Register(&MPSAdapter{client: client})
	return r
}

// Register adds an adapter under its name.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Get returns the adapter registered under name. Unknown names are a
// configuration error.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, domain.ConfigErrorf("unknown adapter %q", name)
	}
	return a, nil
}

// Names returns the sorted registered adapter names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

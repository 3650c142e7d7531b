package index

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/token/ngram"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/commonsmeta/aggmds/internal/domain"
)

const (
	// NgramAnalyzer tokenizes on letter/digit boundaries and emits
	// 3-grams, giving fuzzy prefix/substring matching at index time.
	NgramAnalyzer = "study_ngram"

	ngramFilterName = "ngram_3"

	// KeywordSuffix addresses the exact-match subfield of a string field.
	KeywordSuffix = ".keyword"

	// SourceField is the stored-only field carrying the original JSON
	// document; every read path rehydrates from it.
	SourceField = "_source"
)

// RecordsMapping builds the index mapping for the records index from
// the global field schema: string fields get the n-gram analyzer plus a
// keyword subfield, numeric fields get numeric mappings, and
// array/object fields are indexed dynamically under the n-gram default.
func RecordsMapping(schema domain.Schema) (mapping.IndexMapping, error) {
	im := bleve.NewIndexMapping()
	if err := registerNgramAnalyzer(im); err != nil {
		return nil, err
	}
	im.DefaultAnalyzer = NgramAnalyzer

	studyMapping := bleve.NewDocumentMapping()
	for name, def := range schema.Normalize() {
		addFieldMapping(studyMapping, name, def)
	}
	// commons_name is pipeline-set and always present, even when the
	// configured schema omits it.
	if _, ok := schema[domain.FieldCommonsName]; !ok {
		addFieldMapping(studyMapping, domain.FieldCommonsName, domain.FieldDefinition{Type: domain.TypeString})
	}

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddSubDocumentMapping(domain.StudyDataKey, studyMapping)
	docMapping.AddSubDocumentMapping(domain.DataDictKey, bleve.NewDocumentMapping())
	docMapping.AddFieldMappingsAt(SourceField, storedOnlyField(SourceField))

	im.DefaultMapping = docMapping
	return im, nil
}

// StoreOnlyMapping builds the mapping for the info and config indexes:
// documents are addressed by id only and never searched, so nothing but
// the stored source is kept.
func StoreOnlyMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	docMapping.Dynamic = false
	docMapping.AddFieldMappingsAt(SourceField, storedOnlyField(SourceField))
	im.DefaultMapping = docMapping
	return im
}

func registerNgramAnalyzer(im *mapping.IndexMappingImpl) error {
	err := im.AddCustomTokenFilter(ngramFilterName, map[string]any{
		"type": ngram.Name,
		"min":  3.0,
		"max":  3.0,
	})
	if err != nil {
		return err
	}
	return im.AddCustomAnalyzer(NgramAnalyzer, map[string]any{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []any{
			lowercase.Name,
			ngramFilterName,
		},
	})
}

func addFieldMapping(doc *mapping.DocumentMapping, name string, def domain.FieldDefinition) {
	switch def.Type {
	case domain.TypeInteger, domain.TypeNumber:
		doc.AddFieldMappingsAt(name, bleve.NewNumericFieldMapping())
	case domain.TypeObject:
		doc.AddSubDocumentMapping(name, bleve.NewDocumentMapping())
	case domain.TypeArray:
		if def.Items != nil && def.Items.Type == domain.TypeObject {
			// Array elements are sub-documents indexed dynamically
			// under the n-gram default analyzer.
			doc.AddSubDocumentMapping(name, bleve.NewDocumentMapping())
			return
		}
		doc.AddFieldMappingsAt(name, ngramField(), keywordSubfield(name))
	default:
		doc.AddFieldMappingsAt(name, ngramField(), keywordSubfield(name))
	}
}

func ngramField() *mapping.FieldMapping {
	f := bleve.NewTextFieldMapping()
	f.Analyzer = NgramAnalyzer
	f.Store = false
	return f
}

// keywordSubfield indexes the same value unanalyzed under
// "<name>.keyword" for exact matching.
func keywordSubfield(name string) *mapping.FieldMapping {
	f := bleve.NewTextFieldMapping()
	f.Name = name + KeywordSuffix
	f.Analyzer = keyword.Name
	f.Store = false
	return f
}

func storedOnlyField(name string) *mapping.FieldMapping {
	f := bleve.NewTextFieldMapping()
	f.Name = name
	f.Index = false
	f.Store = true
	f.IncludeInAll = false
	return f
}

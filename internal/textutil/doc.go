// Package textutil provides tokenization, term-frequency fingerprints, and
// identifier normalization used by alignment, matter matching, and person
// resolution.
package textutil

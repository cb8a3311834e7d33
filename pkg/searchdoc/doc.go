// Package searchdoc defines the denormalized document model stored in the
// search index and the query parser that turns user input into a tsquery
// expression.
//
// # Documents
//
// Every searchable entity kind (card, dashboard, table, collection, metric)
// registers a Builder that knows how to turn its rows into SearchDocuments.
// The ingestion queue and the lifecycle controller iterate the registry; no
// other package hardcodes entity kinds.
//
// # Query syntax
//
// Plain terms are AND-ed, with the trailing term matched as a prefix so that
// results appear while the user is still typing:
//
//	revenue dash      ->  'revenue' & 'dash':*
//
// Quoted phrases match adjacent words, "-" negates a term, and "or"
// separates alternative clauses:
//
//	"sales overview" -draft        ->  ('sales' <-> 'overview') & !'draft':*
//	quarterly or monthly           ->  ('quarterly') | ('monthly':*)
package searchdoc

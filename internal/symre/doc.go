// Package symre defines the symbolic regular-expression algebra consumed by the
// constraint solvers.
//
// Terms are immutable and hash-consed by their canonical key: every
// constructor normalizes its operands (flattening, ordering, deduplication and
// the usual identities for empty and epsilon), so two terms denoting the same
// expression up to associativity, commutativity and idempotence of union and
// intersection share a key. The solvers rely on this to keep the number of
// distinct derivatives finite.
//
// Terms match whole strings. There are no anchors in the algebra; the regex
// compiler strips them before a term is built.
package symre

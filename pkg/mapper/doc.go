/*
Package mapper translates composable query-condition trees into
parameterised MySQL statements executed over the dbpool.

A Condition is a tagged tree: leaves (EQ, NEQ, GT, GE, LT, LE, BETWEEN,
LIKE, REGEXP, IN, NOT IN, IS NULL, IS NOT NULL, RAW, TRUE, FALSE) and
compositors (And, Or, Not). Each node emits its SQL fragment and binds its
parameters into a shared bind array at a running index, so a statement that
mixes SET and WHERE parameters issues exactly one bind pass to the driver:
set bindables first, then the tree's parameters.

Mapper[E] provides the typed operation set for one entity schema —
find/insert/delete/update by id or condition, field projections, counts,
and confirm-gated DDL. Duplicate-key violations surface as
ErrDataAlreadyExist.
*/
package mapper

/*
Package kvstore is a thin facade over redis used for the platform's
ephemeral state: verification codes and active-token records.

The facade exposes get/set/del/exists/ttl/scan with tagged errors
(ErrKeyNotFound, ErrValueExpired, ErrValueMismatch, ErrOperationFailed,
ErrConnectionFailed) plus two families of helpers:

  - verification codes: idempotent issuance with a 5-minute TTL and
    atomic single-use verification (compare-and-delete server side);
  - token records: token:<t> -> user_uuid with the token's TTL, whose
    presence is what makes a signed token "active".

The store accepts the Commands interface rather than a concrete client so
tests can substitute a fake.
*/
package kvstore

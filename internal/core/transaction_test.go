// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"reflect"
	"testing"
)

func TestTransactionObjects(t *testing.T) {
	var nilTxn *Transaction
	if !nilTxn.Empty() || !(&Transaction{}).Empty() {
		t.Fatalf("expected empty transactions")
	}

	a, b, c := ObjectID{Ino: 1}, ObjectID{Ino: 2, Bno: 1}, ObjectID{Ino: 3}
	txn := &Transaction{}
	txn.Write(b, 0, []byte("x"))
	txn.SetAttr(b, "v", []byte{1})
	txn.Truncate(a, 10)
	txn.Remove(c)
	txn.SetAttr(a, "v", []byte{2})

	if txn.Empty() || len(txn.Ops) != 5 {
		t.Fatalf("got %d ops", len(txn.Ops))
	}
	if got, exp := txn.Objects(), []ObjectID{b, a, c}; !reflect.DeepEqual(got, exp) {
		t.Fatalf("got objects %v, expected %v", got, exp)
	}
}

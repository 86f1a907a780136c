// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	tfdragonn "github.com/xnancy/TF-Dragonn"
)

func main() {
	tfdragonn.Main()
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model provides the factored MDP representation used by the planner.
//
// Architecture:
//
//	┌──────────────────────────────────────────────────────────────────────┐
//	│                                XMDP                                  │
//	│  StateSpace   ActionSpace   Initial/Goal   QSpace   CostFunction     │
//	│                         │                                            │
//	│                         ▼                                            │
//	│                 TransitionFunction                                   │
//	│                         │ one per action definition                  │
//	│                         ▼                                            │
//	│                    FactoredPSO                                       │
//	│        Precondition  +  {EffectClass → ActionDescription}            │
//	│                         │                                            │
//	│            ┌────────────┴─────────────┐                              │
//	│            ▼                          ▼                              │
//	│  FormulaActionDescription   TabularActionDescription                 │
//	│  (closed form, generated    (explicit table; also the                │
//	│   discriminants)             result of MergeActionDescriptions)      │
//	└──────────────────────────────────────────────────────────────────────┘
//
// Value Semantics:
//
//	Everything in this package is immutable once constructed. Tuples,
//	classes, discriminants and effects compare by a canonical key that is
//	computed once at construction time, so they can be used freely as map
//	keys (via Key()) and shared between goroutines.
//
// Error Semantics:
//
//	Lookups of variables, actions, discriminants and effect classes that are
//	not part of the model return a *LookupError wrapping one of the package
//	sentinels. These indicate an inconsistent model and are never swallowed.
package model

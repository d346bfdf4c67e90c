// Package sim provides the core Monte Carlo radiative transfer engine for
// supernova ejecta.
//
// # Reading Guide
//
// Start with these three files to understand the engine kernel:
//   - packet.go: the packet tagged union (pellet, gamma, r-packet,
//     k-packet, non-thermal electron) and its invariants
//   - transport.go: the per-packet event loop: boundary distances, opacity
//     sampling, interaction dispatch and estimator writes
//   - engine.go: the timestep loop binding transport to the solvers
//
// # Architecture
//
// The sim package holds the engine context and the transport kernel;
// the physics subsystems live in sub-packages:
//   - sim/atomic/: the immutable atomic data store and line/continuum
//     indexing (ingest, sorted line list, back-references, phixs tables)
//   - sim/grid/: ejecta model state and the propagation grid with
//     homologous expansion
//   - sim/decay/: radioactive chains, Bateman deposition rates, pellet
//     decay-time sampling
//   - sim/radfield/: multi-bin radiation-field reconstruction (T_R, W)
//   - sim/ratecoeff/: bound-free rate coefficient tables over T_e
//   - sim/nonthermal/: the Spencer-Fano electron degradation solver
//   - sim/nlte/: the per-element NLTE population matrix with superlevels
//
// # Concurrency
//
// Packets are partitioned into contiguous slices, one per worker thread;
// workers share nothing: each owns a cell-history cache, a shadow
// estimator set and a deterministic RNG stream derived as
// H(rank, thread, seed). Shadows are reduced at the timestep barrier in
// thread-id order, so runs with a fixed seed and thread count are bitwise
// reproducible.
package sim

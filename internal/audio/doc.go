// Package audio assembles synthesized speech clips into lesson sections.
//
// Clips are interleaved signed 16-bit PCM held in memory. The assembly
// operations (ConcatWithFixedSilence, ConcatWithDynamicSilence, JoinSections and
// ChangeTempo) never modify their inputs and share no state, so they are safe
// to call concurrently on disjoint clips. Reading and writing files is done
// through the WAV codec and an Encoder; assembly itself performs no I/O.
package audio

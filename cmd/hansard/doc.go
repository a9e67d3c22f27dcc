// Command hansard ingests municipal council meetings: it scrapes
// listings and documents, acquires recordings, diarizes and aligns
// them, extracts structured motions and votes, and embeds the results
// for search. Exit codes: 0 on a clean run (including runs with
// nothing to do or per-meeting failures), 1 on configuration or
// unrecoverable errors, 2 when another run holds the process lock.
package main

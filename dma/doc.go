// Package dma orchestrates the data path between the USB bulk FIFOs, the
// 4 KiB staging buffer and NVMe payload memory.
//
// For a READ the NVMe controller completes into staging and the engine
// moves staging to bulk-IN. For a WRITE the engine moves bulk-OUT into
// staging and the NVMe Write uses staging as its PRP source. Transfers
// larger than staging are split by [Plan]; [Transfer] tracks the residue.
//
// [Engine.WaitComplete] is the only wait and is bounded by the configured
// timeout.
package dma

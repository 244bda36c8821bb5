package worker

// Sync updates the peer list, mempool and blocks. Once this node has
// caught up with the network the state is moved out of sync mode and
// mining is allowed.
func (w *Worker) Sync() {
	w.evHandler("worker: sync: started")
	defer w.evHandler("worker: sync: completed")

	for _, pr := range w.state.RetrieveKnownPeers() {
		if w.state.IsPeerBanned(pr.Host) {
			w.evHandler("worker: sync: %s: skipping banned peer", pr.Host)
			continue
		}

		// Retrieve the status of this peer.
		peerStatus, err := w.state.NetRequestPeerStatus(pr)
		if err != nil {
			w.evHandler("worker: sync: queryPeerStatus: %s: ERROR: %s", pr.Host, err)
			continue
		}

		// Add new peers to this nodes list.
		w.addNewPeers(peerStatus.KnownPeers)

		// Retrieve the mempool from the peer.
		pool, err := w.state.NetRequestPeerMempool(pr)
		if err != nil {
			w.evHandler("worker: sync: retrievePeerMempool: %s: ERROR: %s", pr.Host, err)
		}
		for _, tx := range pool {
			w.evHandler("worker: sync: retrievePeerMempool: %s: add tx: %s", pr.Host, tx.TxID()[:16])
			if err := w.state.UpsertNodeTransaction(tx); err != nil {
				w.evHandler("worker: sync: retrievePeerMempool: %s: WARNING: %s", pr.Host, err)
			}
		}

		// If this peer's chain carries more work than ours, pull their
		// blocks. A taller chain with less work does not win.
		tip := w.state.RetrieveTip()
		if peerStatus.CumulativeWork != nil && peerStatus.CumulativeWork.Cmp(tip.CumulativeWork) > 0 {
			w.evHandler("worker: sync: retrievePeerBlocks: %s: cumulativeWork[%v] latestBlockNumber[%d]", pr.Host, peerStatus.CumulativeWork, peerStatus.LatestBlockNumber)

			if err := w.state.NetRequestPeerBlocks(pr); err != nil {
				w.evHandler("worker: sync: retrievePeerBlocks: %s: ERROR %s", pr.Host, err)
			}
		}
	}

	// The node is as caught up as its peers allow. Open the door
	// for mining.
	if err := w.state.CompleteSync(); err != nil {
		w.evHandler("worker: sync: completeSync: ERROR: %s", err)
	}

	// Transactions pulled during the sync could not signal mining
	// while it was turned off.
	if w.state.QueryMempoolLength() > 0 {
		w.SignalStartMining()
	}
}

package queue

// benchmarkPrompt is the fixed narrative passage sent as the user message
// for every adapter call. Holding it constant across providers and models
// means a TPS/latency difference between two rows reflects the provider,
// not the prompt.
const benchmarkPrompt = `The lighthouse at Seal Point had stood for a hundred and thirty years before the automated beacon replaced its keeper. Maren Ostergaard was the last person to hold the title, and she kept the job for eleven winters after the light itself went electric and unmanned, because the harbor authority still paid someone to walk the spiral stairs twice a night and listen for the particular creak that meant the old iron door had swollen shut against the frame again.

She had grown up two headlands south, in a fishing town where every family kept a chart of the reefs tacked to the inside of a closet door, updated by hand whenever a storm moved the sandbars. Her grandfather had been a harbor pilot, guiding container ships past the shoals by dead reckoning and the smell of the tide, and her mother had repaired nets for forty years in the same shed behind the house, patient with the shuttle and the waxed twine in a way Maren never quite learned to be.

What Maren was patient with was machinery. She could diagnose a failing foghorn compressor by the rhythm of its stutter before it ever fully seized, and she kept a logbook of every repair she made to the lighthouse's aging generator, not because anyone asked her to, but because she distrusted memory more than she distrusted the weather. The logbook ran to four volumes by the time the automated system arrived in a gray shipping crate with a technician who apologized for taking her job before he had even finished installing the replacement.

She did not resent him for it. She had watched enough rounds in town to know how this went: a company looks at a line item, a line item has a name attached to it, and the name eventually comes off the payroll while the work, in diminished form, continues without anyone in particular doing it. The new system did not need to sleep in the keeper's cottage, did not need a pension, did not need anyone to walk the stairs at two in the morning in weather that made walking anywhere unpleasant.

What the automated beacon could not do was notice the things Maren noticed without being told to look for them: the gull nest wedged in the lamp housing vent that would eventually foul the ventilation, the hairline crack in the lens gasket that widened by a fraction each winter, the particular shade of green the water turned three days before a fog bank rolled in thick enough to swallow the horn's effective range. She had never written most of this down, because it did not fit the format of a repair log; it was not a fault, only a pattern, the kind of thing you learn by standing in the same spot at the same hour for a decade.

When the harbor authority offered her a part-time consulting post, reviewing the automated system's maintenance alerts twice a month from an office forty minutes inland, she took it mostly out of curiosity about what the machine would miss. The first winter, it missed the gull nest. The second winter, it missed the gasket crack until the alert threshold finally tripped, three weeks after Maren would have caught it on sight. She wrote both observations into a report nobody had asked for, and filed it anyway, the same way she had kept the logbook: not because it was required, but because she distrusted a system that only knew how to look for what it had already been told counted as a problem.`
